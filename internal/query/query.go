// Package query defines the immutable request submitted to the engine.
package query

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Query is a free-form product-development request plus optional context.
// Values are passed by copy and never mutated after submission.
type Query struct {
	Text        string    `json:"text"`
	Stage       string    `json:"stage,omitempty"`        // Product phase hint (e.g. "ideation", "testing")
	PriorReport string    `json:"prior_report,omitempty"` // Run ID of an earlier report this query builds on
	SubmittedAt time.Time `json:"submitted_at"`
}

// New builds a query stamped with the current time.
func New(text, stage string) Query {
	return Query{
		Text:        strings.TrimSpace(text),
		Stage:       strings.ToLower(strings.TrimSpace(stage)),
		SubmittedAt: time.Now(),
	}
}

// Normalized returns the text lowercased with collapsed whitespace.
func (q Query) Normalized() string {
	return strings.Join(strings.Fields(strings.ToLower(q.Text)), " ")
}

// Key returns a stable digest of the fields that influence classification
// and planning.
// SubmittedAt is excluded so identical requests share a key.
func (q Query) Key() string {
	h := sha256.New()
	h.Write([]byte(q.Stage))
	h.Write([]byte{0})
	h.Write([]byte(q.Normalized()))
	h.Write([]byte{0})
	h.Write([]byte(q.PriorReport))
	return hex.EncodeToString(h.Sum(nil))
}
