package provenance

import (
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/omnisoin/ledger/internal/platform/fhir"
	"github.com/omnisoin/ledger/pkg/contenthash"
)

const (
	participantTypeSystem = "http://terminology.hl7.org/CodeSystem/provenance-participant-type"
	dataOperationSystem   = "http://terminology.hl7.org/CodeSystem/v3-DataOperation"
	documentCompletion    = "http://terminology.hl7.org/CodeSystem/v3-DocumentCompletion"
	signatureTypeSystem   = "urn:iso-astm:E1762-95:2013"
	verificationSignature = "1.2.840.10065.1.12.1.5"
)

// resourceName maps an entity type to the resource name used in references,
// e.g. consultation -> Consultation.
func resourceName(t EntityType) string {
	s := string(t)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func agent(code, display string, who fhir.Reference) map[string]interface{} {
	return map[string]interface{}{
		"type": fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: participantTypeSystem, Code: code, Display: display}},
		},
		"who": who,
	}
}

func hashEntity(hash string) map[string]interface{} {
	return map[string]interface{}{
		"role": "source",
		"what": fhir.Reference{Display: "sha256:" + hash},
	}
}

// ToFHIR renders the validation as a Provenance whose verifier is the
// validator and whose signature carries the attestation binding.
func (e *ValidationEntry) ToFHIR() map[string]interface{} {
	v := e.Validator()
	who := fhir.Reference{
		Reference: fhir.FormatReference("Practitioner", v.UserID),
		Display:   v.Name,
	}
	result := map[string]interface{}{
		"resourceType": "Provenance",
		"id":           e.ID.String(),
		"meta":         fhir.Meta{VersionID: strconv.Itoa(e.Version), LastUpdated: e.ValidatedAt},
		"target": []fhir.Reference{{
			Reference: fhir.FormatReference(resourceName(EntityConsultation), e.ConsultationID),
		}},
		"recorded": contenthash.FormatTimestamp(e.ValidatedAt),
		"activity": fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: documentCompletion, Code: "LA", Display: "legally authenticated"}},
			Text:   e.ValidationStatement,
		},
		"agent":  []map[string]interface{}{agent("verifier", "Verifier", who)},
		"entity": []map[string]interface{}{hashEntity(e.ContentHash)},
	}
	sig := map[string]interface{}{
		"type": []fhir.Coding{{System: signatureTypeSystem, Code: verificationSignature, Display: "Verification Signature"}},
		"when": contenthash.FormatTimestamp(e.ValidatedAt),
		"who":  who,
	}
	if raw, err := hex.DecodeString(e.SignatureHash); err == nil {
		sig["sigFormat"] = "application/octet-stream"
		sig["data"] = base64.StdEncoding.EncodeToString(raw)
	}
	result["signature"] = []map[string]interface{}{sig}
	return result
}

// ToFHIR renders one field version as a Provenance. AI involvement appears
// as an assembler device agent.
func (e *AuthorshipEntry) ToFHIR() map[string]interface{} {
	activity := "UPDATE"
	if e.VersionNumber == 1 {
		activity = "CREATE"
	}
	result := map[string]interface{}{
		"resourceType": "Provenance",
		"id":           e.ID.String(),
		"meta":         fhir.Meta{VersionID: strconv.Itoa(e.VersionNumber), LastUpdated: e.CreatedAt},
		"target": []fhir.Reference{{
			Reference: fhir.FormatReference(resourceName(e.EntityType), e.EntityID),
			Display:   e.FieldName,
		}},
		"recorded": contenthash.FormatTimestamp(e.CreatedAt),
		"activity": fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: dataOperationSystem, Code: activity}},
			Text:   string(e.SourceType),
		},
		"entity": []map[string]interface{}{hashEntity(e.ContentHash)},
	}
	var agents []map[string]interface{}
	if e.Actor != nil {
		agents = append(agents, agent("author", "Author", fhir.Reference{
			Reference: fhir.FormatReference("Practitioner", e.Actor.UserID),
			Display:   e.Actor.Name,
		}))
	}
	if e.SourceType.InvolvesAI() {
		model := strVal(e.AIModel)
		if model == "" {
			model = "AI"
		}
		agents = append(agents, agent("assembler", "Assembler", fhir.Reference{Type: "Device", Display: model}))
	}
	result["agent"] = agents
	return result
}
