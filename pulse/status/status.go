// Package status maps raw backend job status strings onto a fixed lifecycle.
//
// Unknown values are never an error: they classify as Processing so that new
// backend states keep the poller running, and Recognized=false lets the caller
// log them.
package status

import (
	"encoding/json"
	"strings"
)

// Lifecycle is the normalized state of a remote evaluation job
type Lifecycle string

const (
	Pending    Lifecycle = "pending"
	Processing Lifecycle = "processing"
	Completed  Lifecycle = "completed"
	Failed     Lifecycle = "failed"
)

// IsTerminal reports whether no further polling is needed
func (l Lifecycle) IsTerminal() bool {
	return l == Completed || l == Failed
}

func (l Lifecycle) String() string {
	return string(l)
}

// Snapshot is one status response from the backend. It is never mutated after decoding.
type Snapshot struct {
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Classify classifies the snapshot's status field
func (s Snapshot) Classify() Classification {
	return Classify(s.Status)
}

// Classification is the outcome of classifying one raw status value
type Classification struct {
	Lifecycle  Lifecycle `json:"lifecycle"`
	Raw        string    `json:"raw"`
	Recognized bool      `json:"recognized"`
}

var aliases = map[string]Lifecycle{
	"pending":     Pending,
	"queued":      Pending,
	"processing":  Processing,
	"running":     Processing,
	"in_progress": Processing,
	"completed":   Completed,
	"succeeded":   Completed,
	"success":     Completed,
	"done":        Completed,
	"failed":      Failed,
	"error":       Failed,
	"errored":     Failed,
}

// Classify maps a raw status string to a Lifecycle.
// Matching ignores case and surrounding whitespace.
func Classify(raw string) Classification {
	if l, ok := aliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return Classification{Lifecycle: l, Raw: raw, Recognized: true}
	}
	return Classification{Lifecycle: Processing, Raw: raw, Recognized: false}
}
