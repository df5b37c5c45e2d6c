package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Document is an opaque JSON object exchanged with the optimizer service.
type Document map[string]any

// Clone returns a deep copy of d. Nested maps and slices decoded from JSON are copied too.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a decoded JSON value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Document(t).Clone())
	case Document:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return v
	}
}

// SubDocument returns the object stored under key, or nil when absent or not an object.
func (d Document) SubDocument(key string) Document {
	switch t := d[key].(type) {
	case map[string]any:
		return Document(t)
	case Document:
		return t
	default:
		return nil
	}
}

type OperationState string

const (
	StateIdle    OperationState = "idle"
	StateLoading OperationState = "loading"
)

// HistoryEntry is a locally owned copy of an optimization result. Config holds the
// submitted "config" value exactly as given.
type HistoryEntry struct {
	ID        uuid.UUID
	Timestamp time.Time
	Config    any
	Result    Document
	Saved     bool
	SavedAt   *time.Time
}

// MarshalJSON flattens the result fields next to the entry metadata.
// Metadata keys take precedence over result keys with the same name.
func (e HistoryEntry) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Result)+5)
	for k, v := range e.Result {
		out[k] = v
	}
	out["id"] = e.ID.String()
	out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	if e.Config != nil {
		out["config"] = e.Config
	} else {
		delete(out, "config")
	}
	if e.Saved {
		out["saved"] = true
	} else {
		delete(out, "saved")
	}
	if e.SavedAt != nil {
		out["savedAt"] = e.SavedAt.UTC().Format(time.RFC3339Nano)
	} else {
		delete(out, "savedAt")
	}
	return json.Marshal(out)
}

// Copy returns an entry that shares no mutable state with e.
func (e HistoryEntry) Copy() HistoryEntry {
	cp := e
	cp.Config = CloneValue(e.Config)
	cp.Result = e.Result.Clone()
	if e.SavedAt != nil {
		t := *e.SavedAt
		cp.SavedAt = &t
	}
	return cp
}

// Stats mirrors the aggregate counters reported by the optimizer service.
type Stats struct {
	Total        int     `json:"total"`
	AverageTime  float64 `json:"averageTime"`
	AverageWaste float64 `json:"averageWaste"`
}

const (
	statsTotalField        = "optimizaciones_realizadas"
	statsAverageTimeField  = "tiempo_promedio"
	statsAverageWasteField = "promedio_desperdicio"
)

// StatsFromDocument reads the service's statistics document. Missing, null or
// non-numeric fields default to zero.
func StatsFromDocument(doc Document) Stats {
	return Stats{
		Total:        int(numberOrZero(doc[statsTotalField])),
		AverageTime:  numberOrZero(doc[statsAverageTimeField]),
		AverageWaste: numberOrZero(doc[statsAverageWasteField]),
	}
}

func numberOrZero(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

type EventType string

const (
	EventStateChanged   EventType = "state_changed"
	EventResultChanged  EventType = "result_changed"
	EventHistoryAdded   EventType = "history_added"
	EventHistoryRemoved EventType = "history_removed"
	EventHistoryCleared EventType = "history_cleared"
	EventStatsUpdated   EventType = "stats_updated"
	EventUploadProgress EventType = "upload_progress"
)

// Event is emitted to subscribers after a state change has been applied.
type Event struct {
	Type     EventType       `json:"type"`
	At       time.Time       `json:"at"`
	State    OperationState  `json:"state,omitempty"`
	Entry    *HistoryEntry   `json:"entry,omitempty"`
	EntryID  *uuid.UUID      `json:"entryId,omitempty"`
	Result   Document        `json:"result,omitempty"`
	Stats    *Stats          `json:"stats,omitempty"`
	Progress *float64        `json:"progress,omitempty"`
	Details  json.RawMessage `json:"details,omitempty"`
}

// Snapshot is a consistent read of the orchestration state.
type Snapshot struct {
	State              OperationState `json:"state"`
	CurrentResult      Document       `json:"currentResult"`
	History            []HistoryEntry `json:"history"`
	Stats              Stats          `json:"stats"`
	TotalOptimizations int            `json:"totalOptimizations"`
	AverageTime        float64        `json:"averageTime"`
	AverageWaste       float64        `json:"averageWaste"`
}
