package syncbus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire form of an Event on remote buses.
type Envelope struct {
	ID     string `json:"i"`
	Origin string `json:"o,omitempty"`
}

// NewEnvelope builds an envelope with a fresh ID for a publish.
func NewEnvelope(opts PublishOptions) Envelope {
	return Envelope{ID: uuid.NewString(), Origin: opts.Origin}
}

// Marshal encodes the envelope.
func (e Envelope) Marshal() []byte {
	data, _ := json.Marshal(e)
	return data
}

// DecodeEnvelope decodes a payload produced by Envelope.Marshal. Payloads that
// are not envelopes (for example plain ids written by other tools) are kept
// as the event ID with no origin.
func DecodeEnvelope(data []byte) Envelope {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil || e.ID == "" {
		return Envelope{ID: string(data)}
	}
	return e
}

// Event converts the envelope into an Event for key.
func (e Envelope) Event(key string) Event {
	return Event{Key: key, ID: e.ID, Origin: e.Origin}
}

// Seen remembers recently delivered event IDs so duplicates are dropped.
// Entries older than the retention window are purged by Sweep.
type Seen struct {
	mu        sync.Mutex
	ids       map[string]time.Time
	retention time.Duration
}

// NewSeen returns a Seen set that keeps IDs for retention.
func NewSeen(retention time.Duration) *Seen {
	if retention <= 0 {
		retention = time.Minute
	}
	return &Seen{ids: make(map[string]time.Time), retention: retention}
}

// Check records id and reports whether it had been seen before.
func (s *Seen) Check(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return true
	}
	s.ids[id] = time.Now()
	return false
}

// Sweep drops IDs older than the retention window.
func (s *Seen) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, t := range s.ids {
		if now.Sub(t) > s.retention {
			delete(s.ids, id)
		}
	}
}

// Run sweeps periodically until stop is closed.
func (s *Seen) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(s.retention)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-stop:
			return
		}
	}
}
