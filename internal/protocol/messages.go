package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeUserMessage      MessageType = "user_message"
	TypeClientControl    MessageType = "client_control"
	TypeAssistantMessage MessageType = "assistant_message"
	TypePlanEvent        MessageType = "plan_event"
	TypeSystemEvent      MessageType = "system_event"
	TypeErrorEvent       MessageType = "error_event"
)

// Client control actions.
const (
	ActionPing = "ping"
	ActionEnd  = "end"
)

const maxUserMessageRunes = 4000

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type UserMessage struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id,omitempty"`
	ClientMsgID string      `json:"client_msg_id,omitempty"`
	Text        string      `json:"text"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Action    string      `json:"action"`
}

type AssistantMessage struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	ClientMsgID string      `json:"client_msg_id,omitempty"`
	UserTurnID  int64       `json:"user_turn_id"`
	TurnID      int64       `json:"turn_id"`
	Text        string      `json:"text"`
	Intent      string      `json:"intent"`
	PlanStatus  string      `json:"plan_status,omitempty"`
	PlanReason  string      `json:"plan_reason,omitempty"`
	PlanScore   float64     `json:"plan_score,omitempty"`
	Tools       []string    `json:"tools,omitempty"`
}

// PlanEvent mirrors one planning loop transition.
type PlanEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RunID     string      `json:"run_id"`
	Event     string      `json:"event"`
	Iteration int         `json:"iteration,omitempty"`
	State     string      `json:"state,omitempty"`
	Score     float64     `json:"score,omitempty"`
	Status    string      `json:"status,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	TSMs      int64       `json:"ts_ms"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	ClientMsgID string      `json:"client_msg_id,omitempty"`
	Code        string      `json:"code"`
	Source      string      `json:"source"`
	Retryable   bool        `json:"retryable"`
	Detail      string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeUserMessage:
		var msg UserMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Text = strings.TrimSpace(msg.Text)
		if msg.Text == "" {
			return nil, errors.New("invalid user_message: empty text")
		}
		if len([]rune(msg.Text)) > maxUserMessageRunes {
			return nil, fmt.Errorf("invalid user_message: text longer than %d characters", maxUserMessageRunes)
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionPing, ActionEnd:
			return msg, nil
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the message type of any payload defined in this package.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case UserMessage:
		return m.Type, true
	case ClientControl:
		return m.Type, true
	case AssistantMessage:
		return m.Type, true
	case PlanEvent:
		return m.Type, true
	case SystemEvent:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
