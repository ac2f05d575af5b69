package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/heimgewebe/plexer/internal/event"
)

// Entry is one line of failed_forwards.jsonl: a failed delivery with its
// retry metadata. Entries are created by the dispatcher on first failure and
// mutated only by the retry worker.
type Entry struct {
	ConsumerKey string         `json:"consumerKey"`
	Event       event.Envelope `json:"event"`
	RetryCount  int            `json:"retryCount"`
	LastAttempt time.Time      `json:"lastAttempt"`
	NextAttempt time.Time      `json:"nextAttempt"`
	Error       string         `json:"error"`
}

// Validate checks the entry against the persisted schema.
func (e Entry) Validate() error {
	if e.ConsumerKey == "" {
		return fmt.Errorf("queue: entry has empty consumerKey")
	}
	if e.Event.Type == "" || e.Event.Source == "" {
		return fmt.Errorf("queue: entry event missing type or source")
	}
	if e.RetryCount < 0 {
		return fmt.Errorf("queue: entry retryCount is negative: %d", e.RetryCount)
	}
	if e.LastAttempt.IsZero() || e.NextAttempt.IsZero() {
		return fmt.Errorf("queue: entry timestamps must be set")
	}
	return nil
}

// ParseEntry decodes a single queue line.
func ParseEntry(line []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return Entry{}, fmt.Errorf("queue: parse entry: %w", err)
	}
	return e, nil
}

// Line serializes the entry as one newline-terminated JSON line.
func (e Entry) Line() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal entry: %w", err)
	}
	return append(b, '\n'), nil
}
