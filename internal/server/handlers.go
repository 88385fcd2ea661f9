package server

import (
	"context"
	"fmt"

	"github.com/npezzotti/go-chatrooms/internal/assistant"
	"github.com/npezzotti/go-chatrooms/internal/errs"
	"github.com/npezzotti/go-chatrooms/internal/validate"
)

// handle runs one inbound event for c. It runs on the session's read
// goroutine, so a slow event only delays that session; ai_chat is handed
// off to its own goroutine.
func (cs *ChatServer) handle(c *Client, msg *ClientMessage) {
	ctx, cancel := eventTimeout(c.ctx)
	defer cancel()

	if err := cs.allowEvent(ctx, c.user); err != nil {
		cs.replyError(c, msg, EventError, err)
		return
	}

	var err error
	switch msg.Event {
	case EventJoinRoom:
		err = cs.handleJoin(ctx, c, msg)
	case EventLeaveRoom:
		err = cs.handleLeave(c, msg)
	case EventSendMessage:
		err = cs.handleSend(ctx, c, msg)
	case EventTypingStart, EventTypingStop:
		err = cs.handleTyping(ctx, c, msg)
	case EventAIChat:
		err = cs.handleAIChat(c, msg)
	default:
		err = errs.InvalidArgument(fmt.Sprintf("unknown event %q", msg.Event))
	}

	if err != nil {
		cs.replyError(c, msg, EventError, err)
	}
}

func (cs *ChatServer) handleJoin(ctx context.Context, c *Client, msg *ClientMessage) error {
	var p RoomPayload
	if err := validate.Decode(msg.Data, &p); err != nil {
		return err
	}

	room, err := cs.JoinRoom(ctx, c.user, p.RoomId, c)
	if err != nil {
		return err
	}

	c.queueMessage(newServerMessage(msg.Id, EventJoinedRoom, RoomAck{RoomId: room.ExternalId, Room: &room}))
	return nil
}

func (cs *ChatServer) handleLeave(c *Client, msg *ClientMessage) error {
	var p RoomPayload
	if err := validate.Decode(msg.Data, &p); err != nil {
		return err
	}

	cs.LeaveRoom(c.user, p.RoomId, c)
	c.queueMessage(newServerMessage(msg.Id, EventLeftRoom, RoomAck{RoomId: p.RoomId}))
	return nil
}

func (cs *ChatServer) handleSend(ctx context.Context, c *Client, msg *ClientMessage) error {
	var p SendMessagePayload
	if err := validate.Decode(msg.Data, &p); err != nil {
		return err
	}

	_, err := cs.SendMessage(ctx, c.user, p.RoomId, p.Content, p.Type)
	return err
}

func (cs *ChatServer) handleTyping(ctx context.Context, c *Client, msg *ClientMessage) error {
	var p RoomPayload
	if err := validate.Decode(msg.Data, &p); err != nil {
		return err
	}

	return cs.Typing(ctx, c.user, p.RoomId, msg.Event == EventTypingStart, c)
}

// handleAIChat starts the invocation detached from the session, so a
// disconnect does not cancel it. The reply reaches the room through the
// normal broadcast; only failures are sent back to the caller.
func (cs *ChatServer) handleAIChat(c *Client, msg *ClientMessage) error {
	var p AIChatPayload
	if err := validate.Decode(msg.Data, &p); err != nil {
		return err
	}
	if cs.assistant == nil {
		return fmt.Errorf("%w: assistant not configured", errs.ErrUnavailable)
	}

	inv := assistant.Invocation{
		User:    c.user,
		RoomId:  p.RoomId,
		Message: p.Message,
		Context: p.Context,
		Model:   p.Model,
	}

	if !cs.beginInvocation() {
		return fmt.Errorf("%w: shutting down", errs.ErrUnavailable)
	}

	go func() {
		defer cs.inflight.Done()

		if _, err := cs.assistant.Invoke(context.WithoutCancel(c.ctx), inv); err != nil {
			cs.replyError(c, msg, EventAIError, err)
		}
	}()

	return nil
}

func (cs *ChatServer) replyError(c *Client, msg *ClientMessage, event string, err error) {
	if errs.IsInternal(err) {
		cs.log.Printf("event failed: op=%s session=%s user=%d: %v", msg.Event, c.id, c.user.Id, err)
	}
	c.queueMessage(errorMessage(msg.Id, event, err))
}
