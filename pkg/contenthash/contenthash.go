// Package contenthash computes content-identity hashes over clinical records
// and the attestation binding stored on validation entries.
//
// The canonical form of a record is one "name=value" line per field, fields
// sorted by name in byte order and joined with "\n". Inside names, backslash,
// newline and '=' are escaped with a backslash; inside values, backslash and
// newline are. A null value is written as the marker `\0`, which no escaped
// string can produce, so null never collides with "" or with the literal text
// `\0`. The digest is SHA-256 over the UTF-8 bytes of the canonical form,
// rendered as 64 lowercase hex characters.
//
// Everything here is pure and has no dependencies outside the standard
// library so that an independent verifier can reproduce it byte for byte.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

const (
	fieldSeparator = "\n"
	nullMarker     = `\0`
)

// Record is a snapshot of named text fields. A nil value is an explicit null.
type Record map[string]*string

// Text returns a pointer to s, for building records inline.
func Text(s string) *string { return &s }

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		if v == nil {
			out[k] = nil
			continue
		}
		s := *v
		out[k] = &s
	}
	return out
}

// Populated reports whether at least one field carries a non-null value.
func (r Record) Populated() bool {
	for _, v := range r {
		if v != nil {
			return true
		}
	}
	return false
}

// FieldNames returns the record's field names in canonical order.
func (r Record) FieldNames() []string {
	names := make([]string, 0, len(r))
	for k := range r {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

var (
	nameEscaper  = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "=", `\=`)
	valueEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)
)

// Canonical renders r in its canonical byte form.
func Canonical(r Record) []byte {
	var b strings.Builder
	for i, name := range r.FieldNames() {
		if i > 0 {
			b.WriteString(fieldSeparator)
		}
		b.WriteString(nameEscaper.Replace(name))
		b.WriteByte('=')
		if v := r[name]; v == nil {
			b.WriteString(nullMarker)
		} else {
			b.WriteString(valueEscaper.Replace(*v))
		}
	}
	return []byte(b.String())
}

// Hash returns the content-identity hash of r. Two records hash equal iff they
// have the same field set and byte-identical values for every field.
func Hash(r Record) string {
	sum := sha256.Sum256(Canonical(r))
	return hex.EncodeToString(sum[:])
}

// Field hashes a single named field, as stored on authorship entries.
func Field(name string, value *string) string {
	return Hash(Record{name: value})
}
