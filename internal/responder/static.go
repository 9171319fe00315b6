package responder

import (
	"context"

	"chatrelay/internal/agentdef"
	"chatrelay/internal/domain"
)

// Static replies with a fixed message. Used when no model API key is
// configured, and by tests that need a predictable responder.
type Static struct {
	Reply  string
	Agents *agentdef.Registry
}

func (s *Static) Respond(_ context.Context, _ domain.InboundEvent, _ []domain.HistoryMessage) (*domain.Reply, error) {
	content := s.Reply
	if content == "" {
		content = "I'm not configured with a model yet, but I received your message."
	}
	return &domain.Reply{Content: content}, nil
}

func (s *Static) BuildWelcome(_ context.Context, event domain.InboundEvent) (string, error) {
	return s.Agents.Get(event.AgentID).RenderWelcome(event.UserName, event.IsAnonymous), nil
}
