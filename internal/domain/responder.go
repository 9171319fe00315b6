package domain

import "context"

// Reply is the result of domain processing for one event.
type Reply struct {
	Content    string
	RichBlocks []RichBlock
	MediaURL   string
	Media      *MediaInfo

	// PosesQuestion marks the reply as a new question addressed to the
	// whole group; the coordinator starts a tracking round for it.
	PosesQuestion bool

	// Delivered means the responder already sent the reply itself and the
	// pipeline must not send it again.
	Delivered bool
}

// Responder computes replies. Different agent types plug in different
// implementations; the pipeline depends only on this interface.
type Responder interface {
	// Respond produces a reply for a message event given prior history.
	Respond(ctx context.Context, event InboundEvent, history []HistoryMessage) (*Reply, error)

	// BuildWelcome produces the greeting for a chat-started event.
	BuildWelcome(ctx context.Context, event InboundEvent) (string, error)
}
