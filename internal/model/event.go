package model

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// defaultEventType is assigned when a record carries no assigned type.
const defaultEventType = "General Event"

// unknownTrigger marks events synthesized without structured data.
const unknownTrigger = "N/A"

// summaryRuneLimit caps the fallback summary taken from source text.
const summaryRuneLimit = 300

// DerivedEvent is the structured result synthesized from a terminal-status
// record. Its id is a function of the source record id, so deriving the same
// record twice always yields the same event id.
type DerivedEvent struct {
	ID        string   `json:"id"`
	EventType string   `json:"event_type"`
	Trigger   string   `json:"trigger"`
	Entities  []string `json:"entities"`
	Summary   string   `json:"summary"`
	SourceID  string   `json:"source_id"`
	Processed bool     `json:"processed"`
}

// EventID derives the deterministic event id for a source record id.
func EventID(sourceID string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(sourceID)).String()
}

// StructuredData is the typed view of the extraction stage's JSON output.
// Field names drifted across prompt revisions, so each field reads through
// an alias chain.
type StructuredData struct {
	Summary  string
	Trigger  string
	Entities []string
}

// ParseStructuredData decodes the raw extraction blob, applying the alias
// chain: event_summary then summary, trigger then event_trigger, entities
// then involved_entities. Returns false when the blob is empty or not a
// JSON object.
func ParseStructuredData(raw []byte) (StructuredData, bool) {
	var sd StructuredData
	if len(raw) == 0 {
		return sd, false
	}

	var obj struct {
		EventSummary     string          `json:"event_summary"`
		Summary          string          `json:"summary"`
		Trigger          string          `json:"trigger"`
		EventTrigger     string          `json:"event_trigger"`
		Entities         json.RawMessage `json:"entities"`
		InvolvedEntities json.RawMessage `json:"involved_entities"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return sd, false
	}

	sd.Summary = obj.EventSummary
	if sd.Summary == "" {
		sd.Summary = obj.Summary
	}
	sd.Trigger = obj.Trigger
	if sd.Trigger == "" {
		sd.Trigger = obj.EventTrigger
	}
	sd.Entities = decodeEntities(obj.Entities)
	if len(sd.Entities) == 0 {
		sd.Entities = decodeEntities(obj.InvolvedEntities)
	}
	return sd, true
}

// decodeEntities accepts either a JSON array of strings or an array of
// objects with a "name" field, tolerating the shapes seen in production data.
func decodeEntities(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}

	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		return compactStrings(names)
	}

	var objs []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &objs); err == nil {
		out := make([]string, 0, len(objs))
		for _, o := range objs {
			out = append(out, o.Name)
		}
		return compactStrings(out)
	}

	return nil
}

func compactStrings(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// DeriveEvent synthesizes the DerivedEvent for a record, following the
// fallback chain: structured_data, then the involved_entities column, then
// a truncated source text prefix with a sentinel trigger.
func DeriveEvent(rec Record) DerivedEvent {
	ev := DerivedEvent{
		ID:        EventID(rec.ID),
		EventType: rec.AssignedType,
		Trigger:   unknownTrigger,
		SourceID:  rec.ID,
		Processed: true,
	}
	if ev.EventType == "" {
		ev.EventType = defaultEventType
	}
	ev.Summary = truncateRunes(rec.SourceText, summaryRuneLimit)

	if sd, ok := ParseStructuredData(rec.StructuredData); ok {
		if sd.Summary != "" {
			ev.Summary = sd.Summary
		}
		if sd.Trigger != "" {
			ev.Trigger = sd.Trigger
		}
		ev.Entities = sd.Entities
	}
	if len(ev.Entities) == 0 {
		ev.Entities = compactStrings(append([]string(nil), rec.InvolvedEntities...))
	}
	return ev
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
