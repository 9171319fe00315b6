package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chatrelay/internal/domain"
)

// flexID is a string that also accepts JSON numbers, since platform
// payloads are inconsistent about id types.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexID(strconv.FormatInt(int64(n), 10))
		return nil
	}
	return fmt.Errorf("id is neither string nor number: %s", string(data))
}

// rawEvent accepts every payload shape the platform sends. The variants
// collapse into one canonical InboundEvent before the pipeline runs.
type rawEvent struct {
	Type  string `json:"type"`
	Event string `json:"event"`

	Chat struct {
		ID flexID `json:"id"`
	} `json:"chat"`
	ChatID flexID `json:"chatId"`

	Message struct {
		ID      flexID `json:"id"`
		Content string `json:"content"`
		Media   struct {
			URL string `json:"url"`
		} `json:"media"`
		Sender struct {
			ID flexID `json:"id"`
		} `json:"sender"`
	} `json:"message"`

	Sender struct {
		ID flexID `json:"id"`
	} `json:"sender"`

	User struct {
		ID          flexID `json:"id"`
		UserName    string `json:"userName"`
		IsAnonymous bool   `json:"isAnonymous"`
	} `json:"user"`

	Agent struct {
		ID flexID `json:"id"`
	} `json:"agent"`
	AgentID flexID `json:"agentId"`

	ChatMetadata struct {
		ChatID flexID `json:"chatId"`
		User   struct {
			UserName    string `json:"userName"`
			IsAnonymous bool   `json:"isAnonymous"`
		} `json:"user"`
	} `json:"chatMetadata"`
}

// Normalize maps a raw webhook body into the canonical event. It picks the
// first populated variant of each logical field and never guesses beyond
// that; missing required fields surface later in validation.
func Normalize(body []byte) (domain.InboundEvent, error) {
	var raw rawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.InboundEvent{}, fmt.Errorf("invalid payload: %w", err)
	}

	event := domain.InboundEvent{
		Kind:       domain.EventMessage,
		ReceivedAt: time.Now(),
	}

	kind := raw.Type
	if kind == "" {
		kind = raw.Event
	}
	if strings.EqualFold(kind, string(domain.EventChatStarted)) {
		event.Kind = domain.EventChatStarted
	}

	event.ChatID = firstNonEmpty(string(raw.Chat.ID), string(raw.ChatID), string(raw.ChatMetadata.ChatID))
	event.MessageID = string(raw.Message.ID)
	event.Content = raw.Message.Content
	event.MediaURL = raw.Message.Media.URL
	event.SenderID = firstNonEmpty(string(raw.Message.Sender.ID), string(raw.Sender.ID), string(raw.User.ID))
	event.AgentID = firstNonEmpty(string(raw.Agent.ID), string(raw.AgentID))

	event.UserName = firstNonEmpty(raw.User.UserName, raw.ChatMetadata.User.UserName)
	event.IsAnonymous = raw.User.IsAnonymous || raw.ChatMetadata.User.IsAnonymous

	return event, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
