package bus

import "time"

// InboundMessage is one short-lived chat message before admission.
// It is never persisted as-is; only derived records survive.
type InboundMessage struct {
	UserID      string            `json:"user_id"`
	GroupID     string            `json:"group_id"`
	Content     string            `json:"content"`
	Attachments []string          `json:"attachments,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage carries a finished response toward the delivery sender.
type OutboundMessage struct {
	UserID  string `json:"user_id"`
	GroupID string `json:"group_id"`
	Content string `json:"content"`
	// Degraded marks responses produced with fallback/default content.
	Degraded bool `json:"degraded,omitempty"`
}
