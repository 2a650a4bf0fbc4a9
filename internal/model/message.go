package model

import "time"

// Message is a bus envelope. The bus owns it from enqueue until it is
// processed or evicted from history.
type Message struct {
	ID        string         `yaml:"id" json:"id"`
	Type      string         `yaml:"type" json:"type"`
	Payload   map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`
	Source    string         `yaml:"source,omitempty" json:"source,omitempty"`
	Priority  Priority       `yaml:"priority" json:"priority"`
	CreatedAt time.Time      `yaml:"created_at" json:"created_at"`
	Persisted bool           `yaml:"persisted" json:"persisted"`
	Processed bool           `yaml:"processed" json:"processed"`

	// RequestID links a request message to its pending rendezvous.
	// Empty for plain publishes and broadcasts.
	RequestID string `yaml:"request_id,omitempty" json:"request_id,omitempty"`
}
