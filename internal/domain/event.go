package domain

import "time"

// EventKind classifies an inbound webhook event.
type EventKind string

const (
	EventMessage     EventKind = "message"
	EventChatStarted EventKind = "chat-started"
)

// InboundEvent is the canonical form of a webhook delivery. All accepted
// payload shapes are normalized into this before the pipeline sees them.
type InboundEvent struct {
	Kind      EventKind
	ChatID    string
	MessageID string
	SenderID  string
	Content   string
	MediaURL  string
	AgentID   string

	// chat-started variant only.
	UserName    string
	IsAnonymous bool

	ReceivedAt time.Time
}

// HistoryMessage is a prior message in a chat, as returned by the
// messaging platform (or the local message log).
type HistoryMessage struct {
	SenderID  string    `json:"sender_id"`
	IsAgent   bool      `json:"is_agent"`
	Content   string    `json:"content"`
	MediaURL  string    `json:"media_url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OutboundMessage is a reply queued for delivery to the platform.
type OutboundMessage struct {
	ChatID     string
	Content    string
	RichBlocks []RichBlock
	MediaURL   string
	Media      *MediaInfo
}

// RichBlock is an opaque rich-content element passed through to the
// platform unmodified. Rendering is the platform's concern.
type RichBlock map[string]any

// MediaInfo carries optional metadata for media sends.
type MediaInfo struct {
	Width       int
	Height      int
	ContentType string
}

// Envelope is the pipeline's response for one inbound event.
type Envelope struct {
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	Waiting bool   `json:"waiting,omitempty"`
	Reply   string `json:"reply,omitempty"`
	Error   string `json:"error,omitempty"`

	// Invalid distinguishes client errors (HTTP 400) from processing
	// failures (HTTP 500). Not part of the wire format.
	Invalid bool `json:"-"`
}
