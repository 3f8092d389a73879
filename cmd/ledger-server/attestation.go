package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace/noop"
	"gopkg.in/yaml.v3"

	"github.com/omnisoin/ledger/internal/config"
	"github.com/omnisoin/ledger/internal/domain/provenance"
	"github.com/omnisoin/ledger/internal/platform/db"
	"github.com/omnisoin/ledger/pkg/contenthash"
)

// attestationFile is the portable form of a consultation's validation
// history. It holds everything needed to re-check each signature without
// the database.
type attestationFile struct {
	ConsultationID string              `yaml:"consultation_id" json:"consultation_id"`
	ExportedAt     string              `yaml:"exported_at" json:"exported_at"`
	Attestations   []attestationRecord `yaml:"attestations" json:"attestations"`
}

type attestationRecord struct {
	Version         int                `yaml:"version" json:"version"`
	ValidatorUserID string             `yaml:"validator_user_id" json:"validator_user_id"`
	ValidatorName   string             `yaml:"validator_name" json:"validator_name"`
	ValidatorRole   string             `yaml:"validator_role" json:"validator_role"`
	Statement       string             `yaml:"statement" json:"statement"`
	ValidatedAt     string             `yaml:"validated_at" json:"validated_at"`
	ContentHash     string             `yaml:"content_hash" json:"content_hash"`
	SignatureHash   string             `yaml:"signature_hash" json:"signature_hash"`
	Content         contenthash.Record `yaml:"content" json:"content"`
}

// verifyResult is the outcome of re-checking one record.
type verifyResult struct {
	Version        int
	ContentIntact  bool
	SignatureValid bool
	Err            error
}

func (r verifyResult) OK() bool {
	return r.Err == nil && r.ContentIntact && r.SignatureValid
}

func newAttestationFile(consultationID string, entries []*provenance.ValidationEntry, now time.Time) attestationFile {
	f := attestationFile{
		ConsultationID: consultationID,
		ExportedAt:     contenthash.FormatTimestamp(now),
	}
	// Oldest first reads naturally in a file.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		f.Attestations = append(f.Attestations, attestationRecord{
			Version:         e.Version,
			ValidatorUserID: e.ValidatorUserID,
			ValidatorName:   e.ValidatorName,
			ValidatorRole:   e.ValidatorRole,
			Statement:       e.ValidationStatement,
			ValidatedAt:     contenthash.FormatTimestamp(e.ValidatedAt),
			ContentHash:     e.ContentHash,
			SignatureHash:   e.SignatureHash,
			Content:         e.ValidatedContent,
		})
	}
	return f
}

// verify recomputes the content hash and signature of each record.
func (f attestationFile) verify() []verifyResult {
	results := make([]verifyResult, 0, len(f.Attestations))
	for _, a := range f.Attestations {
		r := verifyResult{Version: a.Version}
		at, err := contenthash.ParseTimestamp(a.ValidatedAt)
		if err != nil {
			r.Err = fmt.Errorf("validated_at: %w", err)
			results = append(results, r)
			continue
		}
		r.ContentIntact = contenthash.Hash(a.Content) == a.ContentHash
		r.SignatureValid = contenthash.VerifySignature(a.ContentHash, a.ValidatorUserID, at, a.SignatureHash)
		results = append(results, r)
	}
	return results
}

func isJSON(path, format string) bool {
	if format != "" {
		return strings.EqualFold(format, "json")
	}
	return strings.EqualFold(filepath.Ext(path), ".json")
}

func encodeAttestations(w io.Writer, f attestationFile, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(f)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return err
	}
	return enc.Close()
}

func decodeAttestations(r io.Reader, asJSON bool) (attestationFile, error) {
	var f attestationFile
	var err error
	if asJSON {
		err = json.NewDecoder(r).Decode(&f)
	} else {
		err = yaml.NewDecoder(r).Decode(&f)
	}
	if err != nil {
		return f, fmt.Errorf("decode attestation file: %w", err)
	}
	return f, nil
}

// exportHistory reads every validation of a consultation from the configured
// store.
func exportHistory(ctx context.Context, cfg *config.Config, tenant, consultationID string) ([]*provenance.ValidationEntry, error) {
	tp := noop.NewTracerProvider()
	st, err := openStore(ctx, cfg, tp, zerolog.Nop())
	if err != nil {
		return nil, err
	}
	defer st.close()

	if st.pool != nil {
		if tenant == "" {
			tenant = cfg.DefaultTenant
		}
		tctx, conn, err := db.AcquireTenantConn(ctx, st.pool, tenant)
		if err != nil {
			return nil, err
		}
		defer conn.Release()
		ctx = tctx
	}

	ledger := provenance.NewValidationLedger(st.validations, ledgerOptions(cfg, zerolog.Nop(), tp))
	entries, _, err := ledger.History(ctx, consultationID, 0, 0)
	return entries, err
}

func attestationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attestation",
		Short: "Export and verify consultation attestations offline",
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write a consultation's validation history to YAML or JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			consultationID, _ := cmd.Flags().GetString("consultation")
			if consultationID == "" {
				return fmt.Errorf("--consultation is required")
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			out, _ := cmd.Flags().GetString("out")
			format, _ := cmd.Flags().GetString("format")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			entries, err := exportHistory(cmd.Context(), cfg, tenant, consultationID)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("consultation %s has no validations", consultationID)
			}

			f := newAttestationFile(consultationID, entries, time.Now())
			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				file, err := os.Create(out)
				if err != nil {
					return err
				}
				defer file.Close()
				w = file
			}
			if err := encodeAttestations(w, f, isJSON(out, format)); err != nil {
				return fmt.Errorf("encode attestation file: %w", err)
			}
			if out != "" && out != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d attestation(s) to %s\n", len(f.Attestations), out)
			}
			return nil
		},
	}
	exportCmd.Flags().String("consultation", "", "Consultation id")
	exportCmd.Flags().String("tenant", "", "Tenant (postgres only, default DEFAULT_TENANT)")
	exportCmd.Flags().String("out", "", "Output file (default stdout)")
	exportCmd.Flags().String("format", "", "yaml or json (default from the file extension, else yaml)")

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-check every attestation in an exported file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				return fmt.Errorf("--file is required")
			}
			format, _ := cmd.Flags().GetString("format")

			file, err := os.Open(path)
			if err != nil {
				return err
			}
			defer file.Close()
			f, err := decodeAttestations(file, isJSON(path, format))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := 0
			fmt.Fprintf(out, "Consultation %s\n", f.ConsultationID)
			fmt.Fprintf(out, "%-8s %-8s %-10s %s\n", "VERSION", "CONTENT", "SIGNATURE", "RESULT")
			for _, r := range f.verify() {
				result := "ok"
				if !r.OK() {
					failed++
					result = "FAILED"
					if r.Err != nil {
						result += ": " + r.Err.Error()
					}
				}
				fmt.Fprintf(out, "%-8d %-8t %-10t %s\n", r.Version, r.ContentIntact, r.SignatureValid, result)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d attestation(s) failed verification", failed, len(f.Attestations))
			}
			return nil
		},
	}
	verifyCmd.Flags().String("file", "", "Attestation file written by export")
	verifyCmd.Flags().String("format", "", "yaml or json (default from the file extension, else yaml)")

	cmd.AddCommand(exportCmd, verifyCmd)
	return cmd
}
