package domain

import "context"

// DeliveryResult reports the outcome of one send, including how many
// retries the client spent on it.
type DeliveryResult struct {
	MessageID string
	Attempts  int
}

// Messenger is the outbound side of the messaging platform. Implementations
// must classify transient failures so the caller's retry policy applies
// uniformly to text and media sends.
type Messenger interface {
	SendMessage(ctx context.Context, chatID, content string, blocks []RichBlock) (*DeliveryResult, error)
	SendMediaMessage(ctx context.Context, chatID, content, mediaURL string, info *MediaInfo) (*DeliveryResult, error)
	GetMessageHistory(ctx context.Context, chatID string, limit int, agentID string) ([]HistoryMessage, error)
}
