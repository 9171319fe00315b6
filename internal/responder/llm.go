// Package responder computes replies behind the domain.Responder
// interface. The LLM implementation calls an OpenAI-compatible chat API;
// the pipeline never sees anything but the interface.
package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/agentdef"
	"chatrelay/internal/domain"
)

const defaultHTTPTimeout = 60 * time.Second

// LLM implements domain.Responder against an OpenAI-compatible API.
type LLM struct {
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
	agents  *agentdef.Registry
	logger  *slog.Logger
}

type LLMConfig struct {
	APIKey  string
	APIBase string
	Model   string
	Agents  *agentdef.Registry
	Logger  *slog.Logger
}

func NewLLM(cfg LLMConfig) *LLM {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	return &LLM{
		apiKey:  cfg.APIKey,
		apiBase: cfg.APIBase,
		model:   cfg.Model,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		agents:  cfg.Agents,
		logger:  cfg.Logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (l *LLM) Respond(ctx context.Context, event domain.InboundEvent, history []domain.HistoryMessage) (*domain.Reply, error) {
	def := l.agents.Get(event.AgentID)

	messages := make([]chatMessage, 0, len(history)+2)
	if def.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: def.SystemPrompt})
	}
	for _, h := range history {
		role := "user"
		content := h.Content
		if h.IsAgent {
			role = "assistant"
		} else if h.SenderID != "" {
			content = h.SenderID + ": " + content
		}
		messages = append(messages, chatMessage{Role: role, Content: content})
	}

	current := event.Content
	if event.SenderID != "" {
		current = event.SenderID + ": " + current
	}
	if event.MediaURL != "" {
		current += "\n[attached media: " + event.MediaURL + "]"
	}
	messages = append(messages, chatMessage{Role: "user", Content: current})

	content, err := l.complete(ctx, messages)
	if err != nil {
		return nil, err
	}

	return &domain.Reply{
		Content:       content,
		PosesQuestion: def.GroupGating && endsWithQuestion(content),
	}, nil
}

// BuildWelcome renders the agent's welcome template; no model call needed.
func (l *LLM) BuildWelcome(_ context.Context, event domain.InboundEvent) (string, error) {
	def := l.agents.Get(event.AgentID)
	return def.RenderWelcome(event.UserName, event.IsAnonymous), nil
}

func (l *LLM) complete(ctx context.Context, messages []chatMessage) (string, error) {
	payload, err := json.Marshal(chatRequest{Model: l.model, Messages: messages})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.apiBase+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat completion: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func endsWithQuestion(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasSuffix(s, "?") || strings.HasSuffix(s, "？")
}
