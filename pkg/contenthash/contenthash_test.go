package contenthash

import (
	"testing"
)

func TestCanonical_SortsFieldsAndMarksNull(t *testing.T) {
	r := Record{
		"motif":      Text("chest pain"),
		"conclusion": nil,
	}
	got := string(Canonical(r))
	want := "conclusion=\\0\nmotif=chest pain"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestHash_KnownVectors(t *testing.T) {
	tests := []struct {
		name   string
		record Record
		want   string
	}{
		{"empty record", Record{}, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"single field", Record{"motif": Text("chest pain")}, "0edf0b07a063eadeb4f9c6c35b6e59951990662e85a696623f2e5eb9329a8b09"},
		{"with null", Record{"motif": Text("chest pain"), "conclusion": nil}, "b64f8de5c5c6d6ffe0fc0c4486c5c8435a0d4867d55c07b08daf02bcda4e9b35"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Hash(tt.record); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestHash_IndependentOfInsertionOrder(t *testing.T) {
	a := Record{}
	a["motif"] = Text("chest pain")
	a["anamnesis"] = Text("smoker")
	a["conclusion"] = nil

	b := Record{}
	b["conclusion"] = nil
	b["anamnesis"] = Text("smoker")
	b["motif"] = Text("chest pain")

	if Hash(a) != Hash(b) {
		t.Error("expected identical hashes for identical records")
	}
	if Hash(a) != Hash(a.Clone()) {
		t.Error("expected clone to hash identically")
	}
}

func TestHash_SensitiveToEveryValue(t *testing.T) {
	base := Record{"motif": Text("chest pain"), "conclusion": Text("angina")}
	baseHash := Hash(base)

	variants := map[string]Record{
		"trailing space":  {"motif": Text("chest pain "), "conclusion": Text("angina")},
		"case change":     {"motif": Text("Chest pain"), "conclusion": Text("angina")},
		"null instead":    {"motif": Text("chest pain"), "conclusion": nil},
		"empty instead":   {"motif": Text("chest pain"), "conclusion": Text("")},
		"extra field":     {"motif": Text("chest pain"), "conclusion": Text("angina"), "notes": Text("")},
		"missing field":   {"motif": Text("chest pain")},
		"renamed field":   {"motif": Text("chest pain"), "conclusions": Text("angina")},
	}
	for name, r := range variants {
		if Hash(r) == baseHash {
			t.Errorf("%s: expected hash to change", name)
		}
	}
}

func TestHash_NullDistinctFromEmptyAndMarkerText(t *testing.T) {
	null := Hash(Record{"f": nil})
	empty := Hash(Record{"f": Text("")})
	marker := Hash(Record{"f": Text(`\0`)})
	if null == empty || null == marker || empty == marker {
		t.Errorf("expected distinct hashes, got null=%s empty=%s marker=%s", null, empty, marker)
	}
}

func TestHash_SeparatorsCannotForgeFields(t *testing.T) {
	// One field whose value embeds a separator and a second "field".
	forged := Record{"a": Text("x\nb=y")}
	real := Record{"a": Text("x"), "b": Text("y")}
	if Hash(forged) == Hash(real) {
		t.Error("expected embedded separator to be escaped")
	}

	// '=' in a field name must not shift the name/value boundary.
	left := Record{"a=b": Text("c")}
	right := Record{"a": Text("b=c")}
	if Hash(left) == Hash(right) {
		t.Error("expected '=' in names to be escaped")
	}
}

func TestRecord_Populated(t *testing.T) {
	if (Record{}).Populated() {
		t.Error("empty record should not be populated")
	}
	if (Record{"a": nil, "b": nil}).Populated() {
		t.Error("all-null record should not be populated")
	}
	if !(Record{"a": nil, "b": Text("")}).Populated() {
		t.Error("record with a non-null field should be populated")
	}
}

func TestRecord_CloneIsDeep(t *testing.T) {
	orig := Record{"motif": Text("chest pain")}
	cp := orig.Clone()
	*cp["motif"] = "changed"
	if *orig["motif"] != "chest pain" {
		t.Error("expected clone to not alias original values")
	}
}

func TestField_MatchesSingleFieldRecord(t *testing.T) {
	if Field("motif", Text("chest pain")) != Hash(Record{"motif": Text("chest pain")}) {
		t.Error("expected Field to hash a single-field record")
	}
}
