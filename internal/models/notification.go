// Package models holds the wire and storage types the rest of the daemon
// shares: notification records, auth payloads, and OAuth entities.
package models

import (
	"encoding/json"
	"fmt"
)

// Notification is a normalized notification record as kept in the local
// store and handed to consumers. Timestamps are Unix milliseconds, the
// form the backend uses on the wire.
type Notification struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Read           bool            `json:"read"`
	CreatedAt      int64           `json:"createdAt"`
	Recipient      string          `json:"recipient,omitempty"`
	Topic          string          `json:"topic,omitempty"`
	Env            string          `json:"env,omitempty"`
	Domain         string          `json:"domain,omitempty"`
	Service        string          `json:"service,omitempty"`
	MentionedMe    bool            `json:"mentionedMe"`
	MentionedUsers []string        `json:"mentionedUsers,omitempty"`
}

// Key identifies a record in the local store: the backend id when one
// was assigned, otherwise a timestamp-derived key for records that
// arrived over the channel without one. The zero-padded form keeps
// byte-ordered stores chronological.
func (n Notification) Key() string {
	if n.ID != "" {
		return n.ID
	}

	return fmt.Sprintf("t%020d", n.CreatedAt)
}
