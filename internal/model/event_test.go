package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventID_Deterministic(t *testing.T) {
	a := EventID("abc123")
	b := EventID("abc123")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, EventID("abc124"))

	// Parseable UUID form.
	assert.Len(t, a, 36)
}

func TestParseStructuredData_AliasChain(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   StructuredData
		wantOK bool
	}{
		{
			name:   "primary field names",
			raw:    `{"event_summary":"chip fab expansion","trigger":"expansion","entities":["TSMC"]}`,
			want:   StructuredData{Summary: "chip fab expansion", Trigger: "expansion", Entities: []string{"TSMC"}},
			wantOK: true,
		},
		{
			name:   "alias field names",
			raw:    `{"summary":"price cut announced","event_trigger":"price adjustment","involved_entities":["Samsung","SK Hynix"]}`,
			want:   StructuredData{Summary: "price cut announced", Trigger: "price adjustment", Entities: []string{"Samsung", "SK Hynix"}},
			wantOK: true,
		},
		{
			name:   "entity objects",
			raw:    `{"summary":"merger","entities":[{"name":"A Corp"},{"name":"B Corp"}]}`,
			want:   StructuredData{Summary: "merger", Entities: []string{"A Corp", "B Corp"}},
			wantOK: true,
		},
		{
			name:   "not json",
			raw:    `the model replied in prose`,
			wantOK: false,
		},
		{
			name:   "empty",
			raw:    ``,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseStructuredData([]byte(tt.raw))
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestDeriveEvent_FromStructuredData(t *testing.T) {
	rec := Record{
		ID:             "rec-1",
		SourceText:     "long source text",
		AssignedType:   "合作签署",
		StructuredData: []byte(`{"event_summary":"joint venture formed","trigger":"signing","entities":["Alpha","Beta"]}`),
	}

	ev := DeriveEvent(rec)
	assert.Equal(t, EventID("rec-1"), ev.ID)
	assert.Equal(t, "合作签署", ev.EventType)
	assert.Equal(t, "joint venture formed", ev.Summary)
	assert.Equal(t, "signing", ev.Trigger)
	assert.Equal(t, []string{"Alpha", "Beta"}, ev.Entities)
	assert.Equal(t, "rec-1", ev.SourceID)
	assert.True(t, ev.Processed)
}

func TestDeriveEvent_EntitiesColumnFallback(t *testing.T) {
	rec := Record{
		ID:               "rec-2",
		SourceText:       "source",
		StructuredData:   []byte(`{"summary":"partial"}`),
		InvolvedEntities: []string{"Gamma"},
	}

	ev := DeriveEvent(rec)
	assert.Equal(t, "partial", ev.Summary)
	assert.Equal(t, "N/A", ev.Trigger)
	assert.Equal(t, []string{"Gamma"}, ev.Entities)
}

func TestDeriveEvent_SourceTextFallback(t *testing.T) {
	long := strings.Repeat("事", 400)
	rec := Record{ID: "rec-3", SourceText: long}

	ev := DeriveEvent(rec)
	assert.Equal(t, "General Event", ev.EventType)
	assert.Equal(t, "N/A", ev.Trigger)
	assert.Empty(t, ev.Entities)
	assert.Equal(t, 300, len([]rune(ev.Summary)))
}

func TestDeriveEvent_Idempotent(t *testing.T) {
	rec := Record{ID: "rec-4", SourceText: "text", StructuredData: []byte(`{"summary":"s","trigger":"t"}`)}
	assert.Equal(t, DeriveEvent(rec), DeriveEvent(rec))
}
