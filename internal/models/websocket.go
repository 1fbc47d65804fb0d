package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

type MessageType string

const (
	MessageTypePresence     MessageType = "presence"
	MessageTypeJoined       MessageType = "joined"
	MessageTypeLeft         MessageType = "left"
	MessageTypeError        MessageType = "error"
	MessageTypeJoin         MessageType = "join"
	MessageTypeLeave        MessageType = "leave"
	MessageTypeHeartbeat    MessageType = "heartbeat"
	MessageTypeHeartbeatAck MessageType = "heartbeat_ack"
)

// WebSocketMessage is the wire envelope for every frame in both directions.
type WebSocketMessage struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload,omitempty"`
}

// OutboundEvent is the closed set of server → client events.
type OutboundEvent interface {
	MessageType() MessageType
	outbound()
}

type HighlightEvent struct {
	Highlight *Highlight
}

type PresenceEvent struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

type JoinedEvent struct {
	OwnerID string         `json:"owner_id"`
	Session *SessionStatus `json:"session,omitempty"`
}

type LeftEvent struct {
	OwnerID string `json:"owner_id"`
}

type HeartbeatAckEvent struct{}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e HighlightEvent) MessageType() MessageType { return MessageType(e.Highlight.EventType) }
func (PresenceEvent) MessageType() MessageType { return MessageTypePresence }
func (JoinedEvent) MessageType() MessageType { return MessageTypeJoined }
func (LeftEvent) MessageType() MessageType { return MessageTypeLeft }
func (HeartbeatAckEvent) MessageType() MessageType { return MessageTypeHeartbeatAck }
func (ErrorEvent) MessageType() MessageType { return MessageTypeError }
func (HighlightEvent) outbound() {}
func (PresenceEvent) outbound() {}
func (JoinedEvent) outbound() {}
func (LeftEvent) outbound() {}
func (HeartbeatAckEvent) outbound() {}
func (ErrorEvent) outbound() {}

// EncodeOutbound renders an event as a {type, payload} frame.
func EncodeOutbound(ev OutboundEvent) ([]byte, error) {
	var payload any
	switch e := ev.(type) {
	case HighlightEvent:
		if e.Highlight == nil {
			return nil, errors.New("highlight event without highlight")
		}
		payload = e.Highlight
	case PresenceEvent:
		payload = e
	case JoinedEvent:
		payload = e
	case LeftEvent:
		payload = e
	case HeartbeatAckEvent:
		payload = nil
	case ErrorEvent:
		payload = e
	default:
		return nil, fmt.Errorf("unknown outbound event %T", ev)
	}
	return json.Marshal(WebSocketMessage{Type: ev.MessageType(), Payload: payload})
}

// InboundEvent is the closed set of client → server events.
type InboundEvent interface {
	inbound()
}

type JoinRequest struct {
	OwnerID string
}

type LeaveRequest struct {
	OwnerID string
}

type HeartbeatRequest struct{}

func (JoinRequest) inbound() {}
func (LeaveRequest) inbound() {}
func (HeartbeatRequest) inbound() {}

var ErrMalformedFrame = errors.New("malformed frame")

// DecodeInbound parses a client frame. "action" is accepted as an alias for
// "type", and owner_id may sit in the payload or at the top level.
func DecodeInbound(data []byte) (InboundEvent, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformedFrame
	}
	res := gjson.GetManyBytes(data, "type", "action", "payload.owner_id", "owner_id")
	kind := res[0].String()
	if kind == "" {
		kind = res[1].String()
	}
	ownerID := res[2].String()
	if ownerID == "" {
		ownerID = res[3].String()
	}

	switch MessageType(kind) {
	case MessageTypeJoin:
		if ownerID == "" {
			return nil, fmt.Errorf("%w: join requires owner_id", ErrMalformedFrame)
		}
		return JoinRequest{OwnerID: ownerID}, nil
	case MessageTypeLeave:
		if ownerID == "" {
			return nil, fmt.Errorf("%w: leave requires owner_id", ErrMalformedFrame)
		}
		return LeaveRequest{OwnerID: ownerID}, nil
	case MessageTypeHeartbeat:
		return HeartbeatRequest{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, kind)
}
