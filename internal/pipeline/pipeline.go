// Package pipeline orchestrates one inbound event end to end: validate,
// deduplicate, fetch history, invoke the responder, apply group gating,
// deliver the reply. Every request gets exactly one response envelope.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chatrelay/internal/agentdef"
	"chatrelay/internal/bus"
	"chatrelay/internal/domain"
	"chatrelay/internal/groups"
	"chatrelay/internal/metrics"
)

const (
	defaultHistoryTimeout  = 5 * time.Second
	defaultProcessTimeout  = 60 * time.Second
	defaultDeliveryTimeout = 30 * time.Second

	apologyMessage = "Sorry, something went wrong while handling your message. Please try again."
)

// Pipeline wires the relay's collaborators together. All fields except
// Log are required; a nil Log disables local message recording.
type Pipeline struct {
	dedup     domain.DedupStore
	groups    *groups.Coordinator
	messenger domain.Messenger
	responder domain.Responder
	agents    *agentdef.Registry
	log       domain.MessageLog
	bus       *bus.Bus
	logger    *slog.Logger

	historyTimeout  time.Duration
	processTimeout  time.Duration
	deliveryTimeout time.Duration
}

type Config struct {
	Dedup     domain.DedupStore
	Groups    *groups.Coordinator
	Messenger domain.Messenger
	Responder domain.Responder
	Agents    *agentdef.Registry
	Log       domain.MessageLog
	Bus       *bus.Bus
	Logger    *slog.Logger

	HistoryTimeout  time.Duration
	ProcessTimeout  time.Duration
	DeliveryTimeout time.Duration
}

func New(cfg Config) *Pipeline {
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = defaultHistoryTimeout
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = defaultProcessTimeout
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDeliveryTimeout
	}
	return &Pipeline{
		dedup:           cfg.Dedup,
		groups:          cfg.Groups,
		messenger:       cfg.Messenger,
		responder:       cfg.Responder,
		agents:          cfg.Agents,
		log:             cfg.Log,
		bus:             cfg.Bus,
		logger:          cfg.Logger,
		historyTimeout:  cfg.HistoryTimeout,
		processTimeout:  cfg.ProcessTimeout,
		deliveryTimeout: cfg.DeliveryTimeout,
	}
}

// Handle runs the pipeline for one event. It never panics and never
// returns without an envelope; Envelope.Invalid distinguishes client
// errors from processing failures.
func (p *Pipeline) Handle(ctx context.Context, event domain.InboundEvent) domain.Envelope {
	start := time.Now()
	defer func() {
		metrics.PipelineLatency.Observe(time.Since(start).Seconds())
	}()

	if event.Kind == domain.EventChatStarted {
		return p.handleChatStarted(ctx, event)
	}

	if event.ChatID == "" {
		p.bus.Emit(bus.Event{Type: bus.EventValidationErr})
		return domain.Envelope{Error: "chat id is required", Invalid: true}
	}
	if event.MessageID == "" {
		p.bus.Emit(bus.Event{Type: bus.EventValidationErr, ChatID: event.ChatID})
		return domain.Envelope{Error: "message id is required", Invalid: true}
	}

	p.bus.Emit(bus.Event{Type: bus.EventReceived, ChatID: event.ChatID})

	// Mark before any asynchronous work: of two concurrent deliveries of
	// the same message, exactly one passes this gate.
	if p.dedup.MarkProcessed(event.MessageID) {
		p.logger.Info("duplicate event skipped", "chat_id", event.ChatID, "message_id", event.MessageID)
		p.bus.Emit(bus.Event{Type: bus.EventDuplicate, ChatID: event.ChatID})
		return domain.Envelope{Success: true, Skipped: true}
	}

	env, err := p.runGuarded(ctx, event)
	if err != nil {
		p.logger.Error("pipeline failed", "chat_id", event.ChatID, "message_id", event.MessageID, "err", err)
		p.bus.Emit(bus.Event{Type: bus.PipelineError, ChatID: event.ChatID})
		p.notifyErrorBestEffort(ctx, event.ChatID)
		return domain.Envelope{Error: "internal processing error"}
	}
	return env
}

// runGuarded converts a panic anywhere in processing into an error so the
// boundary in Handle always produces an envelope.
func (p *Pipeline) runGuarded(ctx context.Context, event domain.InboundEvent) (env domain.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in pipeline: %v", r)
		}
	}()
	return p.process(ctx, event)
}

func (p *Pipeline) process(ctx context.Context, event domain.InboundEvent) (domain.Envelope, error) {
	def := p.agents.Get(event.AgentID)

	p.recordMessage(ctx, domain.LoggedMessage{
		ChatID:    event.ChatID,
		SenderID:  event.SenderID,
		Content:   event.Content,
		MediaURL:  event.MediaURL,
		CreatedAt: event.ReceivedAt,
	})

	history := p.fetchHistory(ctx, event, def)

	// Group gating: while a question round is open, each participant's
	// message only advances the round. The reply waits for the last one.
	roundCompleted := false
	if def.GroupGating {
		active, err := p.groups.HasActiveRound(ctx, event.ChatID)
		if err != nil {
			return domain.Envelope{}, err
		}
		if active {
			complete, err := p.groups.RecordResponse(ctx, event.ChatID, event.SenderID)
			if err != nil {
				return domain.Envelope{}, err
			}
			if !complete {
				p.logger.Info("holding reply for group", "chat_id", event.ChatID, "sender_id", event.SenderID)
				p.bus.Emit(bus.Event{Type: bus.GroupWaiting, ChatID: event.ChatID})
				return domain.Envelope{Success: true, Waiting: true}, nil
			}
			roundCompleted = true
			p.bus.Emit(bus.Event{Type: bus.GroupComplete, ChatID: event.ChatID})
		}
	}

	reply, err := p.invokeResponder(ctx, event, history)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("responder: %w", err)
	}

	if shouldDeliver(reply) {
		if err := p.deliver(ctx, event.ChatID, reply); err != nil {
			return domain.Envelope{}, fmt.Errorf("deliver reply: %w", err)
		}
		p.recordMessage(ctx, domain.LoggedMessage{
			ChatID:   event.ChatID,
			SenderID: event.AgentID,
			IsAgent:  true,
			Content:  reply.Content,
			MediaURL: reply.MediaURL,
		})
	}

	if roundCompleted {
		if err := p.groups.ClearTracking(ctx, event.ChatID); err != nil {
			p.logger.Warn("clear tracking failed", "chat_id", event.ChatID, "err", err)
		}
	}

	if def.GroupGating && reply.PosesQuestion {
		expected := p.groups.DetectParticipants(history, event.AgentID)
		if event.SenderID != "" && event.SenderID != event.AgentID {
			expected[event.SenderID] = true
		}
		if len(expected) > 0 {
			if _, err := p.groups.StartTracking(ctx, event.ChatID, expected); err != nil {
				p.logger.Warn("start tracking failed", "chat_id", event.ChatID, "err", err)
			}
		}
	}

	return domain.Envelope{Success: true, Reply: reply.Content}, nil
}

// handleChatStarted runs the welcome flow. It touches neither the dedup
// store nor group tracking and returns an envelope even when delivery
// fails.
func (p *Pipeline) handleChatStarted(ctx context.Context, event domain.InboundEvent) domain.Envelope {
	if event.ChatID == "" {
		p.bus.Emit(bus.Event{Type: bus.EventValidationErr})
		return domain.Envelope{Error: "chat id is required", Invalid: true}
	}

	p.bus.Emit(bus.Event{Type: bus.EventReceived, ChatID: event.ChatID})

	greeting, err := p.responder.BuildWelcome(ctx, event)
	if err != nil {
		p.logger.Error("welcome build failed", "chat_id", event.ChatID, "err", err)
		p.bus.Emit(bus.Event{Type: bus.PipelineError, ChatID: event.ChatID})
		return domain.Envelope{Error: "internal processing error"}
	}

	if err := p.deliver(ctx, event.ChatID, &domain.Reply{Content: greeting}); err != nil {
		// The chat exists either way; report the greeting we built.
		p.logger.Warn("welcome delivery failed", "chat_id", event.ChatID, "err", err)
		return domain.Envelope{Success: true, Reply: greeting}
	}

	p.bus.Emit(bus.Event{Type: bus.EventWelcomeSent, ChatID: event.ChatID})
	p.recordMessage(ctx, domain.LoggedMessage{
		ChatID:   event.ChatID,
		SenderID: event.AgentID,
		IsAgent:  true,
		Content:  greeting,
	})
	return domain.Envelope{Success: true, Reply: greeting}
}

// fetchHistory is best-effort: on error or timeout the pipeline proceeds
// with no history rather than failing the request.
func (p *Pipeline) fetchHistory(ctx context.Context, event domain.InboundEvent, def agentdef.Definition) []domain.HistoryMessage {
	hctx, cancel := context.WithTimeout(ctx, p.historyTimeout)
	defer cancel()

	history, err := p.messenger.GetMessageHistory(hctx, event.ChatID, def.HistoryLimit, event.AgentID)
	if err != nil {
		p.logger.Warn("history fetch failed, proceeding without history", "chat_id", event.ChatID, "err", err)
		return nil
	}
	return history
}

func (p *Pipeline) invokeResponder(ctx context.Context, event domain.InboundEvent, history []domain.HistoryMessage) (*domain.Reply, error) {
	rctx, cancel := context.WithTimeout(ctx, p.processTimeout)
	defer cancel()

	reply, err := p.responder.Respond(rctx, event, history)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		reply = &domain.Reply{}
	}
	return reply, nil
}

func shouldDeliver(reply *domain.Reply) bool {
	if reply.Delivered {
		return false
	}
	return reply.Content != "" || reply.MediaURL != ""
}

func (p *Pipeline) deliver(ctx context.Context, chatID string, reply *domain.Reply) error {
	dctx, cancel := context.WithTimeout(ctx, p.deliveryTimeout)
	defer cancel()

	var (
		res *domain.DeliveryResult
		err error
	)
	if reply.MediaURL != "" {
		res, err = p.messenger.SendMediaMessage(dctx, chatID, reply.Content, reply.MediaURL, reply.Media)
	} else {
		res, err = p.messenger.SendMessage(dctx, chatID, reply.Content, reply.RichBlocks)
	}
	if err != nil {
		p.bus.Emit(bus.Event{Type: bus.DeliveryFailed, ChatID: chatID})
		return err
	}

	if res != nil && res.Attempts > 1 {
		for i := 1; i < res.Attempts; i++ {
			p.bus.Emit(bus.Event{Type: bus.DeliveryRetry, ChatID: chatID})
		}
	}
	p.bus.Emit(bus.Event{Type: bus.DeliverySucceeded, ChatID: chatID})
	return nil
}

// notifyErrorBestEffort sends one user-facing apology. Failure of the
// apology itself is swallowed: the pipeline never double-fails.
func (p *Pipeline) notifyErrorBestEffort(ctx context.Context, chatID string) {
	nctx, cancel := context.WithTimeout(ctx, p.deliveryTimeout)
	defer cancel()

	if _, err := p.messenger.SendMessage(nctx, chatID, apologyMessage, nil); err != nil {
		p.logger.Warn("error notification failed", "chat_id", chatID, "err", err)
	}
}

func (p *Pipeline) recordMessage(ctx context.Context, msg domain.LoggedMessage) {
	if p.log == nil {
		return
	}
	if err := p.log.AppendMessage(ctx, msg); err != nil {
		p.logger.Warn("message log append failed", "chat_id", msg.ChatID, "err", err)
	}
}
