package hub

import (
	"encoding/json"
	"maps"
	"time"
)

// Snapshot is one published generation of decoded values. It is never
// modified after publication.
type Snapshot struct {
	values     map[string]any
	Generation uint64
	Timestamp  time.Time
}

func (s *Snapshot) Value(name string) (any, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.values[name]
	return v, ok
}

// Values returns a copy of all values.
func (s *Snapshot) Values() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return maps.Clone(s.values)
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.values)
}

// with returns a copy with one value replaced, same generation.
func (s *Snapshot) with(name string, value any) *Snapshot {
	values := maps.Clone(s.values)
	values[name] = value
	return &Snapshot{values: values, Generation: s.Generation, Timestamp: s.Timestamp}
}

func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Generation uint64         `json:"generation"`
		Timestamp  time.Time      `json:"timestamp"`
		Values     map[string]any `json:"values"`
	}{s.Generation, s.Timestamp, s.values})
}
