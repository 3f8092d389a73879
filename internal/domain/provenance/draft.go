package provenance

import (
	"fmt"
	"sort"
	"strings"
)

// PendingTag is the authorship a draft field will receive once its record is
// saved.
type PendingTag struct {
	FieldName    string     `json:"field_name"`
	SourceType   SourceType `json:"source_type"`
	Content      *string    `json:"content"`
	Actor        *Actor     `json:"actor,omitempty"`
	AIModel      string     `json:"ai_model,omitempty"`
	AIConfidence *float64   `json:"ai_confidence,omitempty"`
}

// Draft buffers authorship for a record that has no identifier yet. It
// belongs to a single form session and is not safe for concurrent use.
// Nothing in a Draft reaches the ledger until Service.CommitDraft replays it.
type Draft struct {
	Type    EntityType
	pending map[string]PendingTag
}

func NewDraft(t EntityType) *Draft {
	return &Draft{Type: t, pending: make(map[string]PendingTag)}
}

// RestoreDraft rebuilds a draft from tags a client kept while the record was
// unsaved.
func RestoreDraft(t EntityType, tags []PendingTag) (*Draft, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	d := NewDraft(t)
	for _, tag := range tags {
		if strings.TrimSpace(tag.FieldName) == "" {
			return nil, fmt.Errorf("%w: pending tag without field name", ErrInvalidInput)
		}
		if _, dup := d.pending[tag.FieldName]; dup {
			return nil, fmt.Errorf("%w: duplicate pending tag for %q", ErrInvalidInput, tag.FieldName)
		}
		check := AuthorshipAppend{
			Key:          FieldKey{EntityType: t, EntityID: "pending", FieldName: tag.FieldName},
			SourceType:   tag.SourceType,
			Content:      tag.Content,
			Actor:        tag.Actor,
			AIModel:      tag.AIModel,
			AIConfidence: tag.AIConfidence,
		}
		if err := check.validate(); err != nil {
			return nil, err
		}
		d.pending[tag.FieldName] = tag
	}
	return d, nil
}

// Ref returns the draft reference of the buffered record.
func (d *Draft) Ref() EntityRef { return DraftRef(d.Type) }

// RecordFieldEdit buffers a human edit, applying the transition table to the
// field's buffered tag.
func (d *Draft) RecordFieldEdit(field string, content *string, actor Actor) {
	prev := d.pending[field]
	a := actor
	d.pending[field] = PendingTag{
		FieldName:  field,
		SourceType: AfterHumanEdit(prev.SourceType),
		Content:    content,
		Actor:      &a,
	}
}

// RecordAIFill buffers an AI fill.
func (d *Draft) RecordAIFill(field string, content *string, model string, confidence *float64) {
	prev := d.pending[field]
	tag := PendingTag{
		FieldName:    field,
		SourceType:   AfterAIGeneration(prev.SourceType),
		Content:      content,
		AIModel:      model,
		AIConfidence: confidence,
	}
	if tag.SourceType == SourceAIAssisted {
		tag.Actor = prev.Actor
	}
	d.pending[field] = tag
}

// BadgeState returns the buffered tag of field, if any.
func (d *Draft) BadgeState(field string) (PendingTag, bool) {
	tag, ok := d.pending[field]
	return tag, ok
}

// Pending returns the buffered tags ordered by field name.
func (d *Draft) Pending() []PendingTag {
	tags := make([]PendingTag, 0, len(d.pending))
	for _, tag := range d.pending {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].FieldName < tags[j].FieldName })
	return tags
}

func (d *Draft) Len() int { return len(d.pending) }

func (d *Draft) drop(field string) { delete(d.pending, field) }
