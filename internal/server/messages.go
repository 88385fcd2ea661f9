package server

import (
	"encoding/json"
	"time"

	"github.com/npezzotti/go-chatrooms/internal/errs"
	"github.com/npezzotti/go-chatrooms/internal/types"
)

// Inbound events.
const (
	EventJoinRoom    = "join_room"
	EventLeaveRoom   = "leave_room"
	EventSendMessage = "send_message"
	EventAIChat      = "ai_chat"
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
)

// Outbound events.
const (
	EventJoinedRoom     = "joined_room"
	EventLeftRoom       = "left_room"
	EventNewMessage     = "new_message"
	EventUserTyping     = "user_typing"
	EventUserStopTyping = "user_stop_typing"
	EventError          = "error"
	EventAIError        = "ai_error"
)

// ClientMessage is an event sent by a live session. Id is chosen by the
// client and echoed on acks and errors.
type ClientMessage struct {
	Id    int             `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ServerMessage struct {
	Id        int       `json:"id,omitempty"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

type RoomPayload struct {
	RoomId string `json:"room_id" validate:"required,max=64"`
}

type SendMessagePayload struct {
	RoomId  string            `json:"room_id" validate:"required,max=64"`
	Content string            `json:"content" validate:"required"`
	Type    types.MessageKind `json:"type,omitempty"`
}

type AIChatPayload struct {
	RoomId  string       `json:"room_id" validate:"required,max=64"`
	Message string       `json:"message" validate:"required"`
	Context []types.Turn `json:"context,omitempty" validate:"omitempty,max=50,dive"`
	Model   string       `json:"model,omitempty" validate:"max=128"`
}

type RoomAck struct {
	RoomId string      `json:"room_id"`
	Room   *types.Room `json:"room,omitempty"`
}

type TypingPayload struct {
	RoomId string     `json:"room_id"`
	User   types.User `json:"user"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func newServerMessage(id int, event string, data any) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		Event:     event,
		Timestamp: Now(),
		Data:      data,
	}
}

// errorMessage builds a failure notice for the originating session. Only
// the public form of err is included.
func errorMessage(id int, event string, err error) *ServerMessage {
	return newServerMessage(id, event, ErrorPayload{
		Message: errs.PublicMessage(err),
		Code:    errs.StatusCode(err),
	})
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
