package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/npezzotti/go-chatrooms/internal/assistant"
	"github.com/npezzotti/go-chatrooms/internal/database"
	"github.com/npezzotti/go-chatrooms/internal/errs"
	"github.com/npezzotti/go-chatrooms/internal/server"
	"github.com/npezzotti/go-chatrooms/internal/types"
	"github.com/npezzotti/go-chatrooms/internal/validate"
	"github.com/samber/lo"
	"github.com/teris-io/shortid"
)

const maxBodySize = 1 << 20

type CreateRoomRequest struct {
	Name             string           `json:"name" validate:"required,max=100"`
	Description      string           `json:"description" validate:"max=500"`
	Visibility       types.Visibility `json:"visibility" validate:"omitempty,oneof=private public group"`
	Capacity         int              `json:"capacity" validate:"min=0"`
	AssistantEnabled bool             `json:"assistant_enabled"`
	Model            string           `json:"model" validate:"max=128"`
}

// AddMemberRequest names the account to add. An empty body adds the caller,
// which only public rooms allow.
type AddMemberRequest struct {
	AccountId int `json:"account_id" validate:"omitempty,min=1"`
}

type SendMessageRequest struct {
	Content string            `json:"content" validate:"required"`
	Type    types.MessageKind `json:"type,omitempty"`
}

type AIChatRequest struct {
	Message string       `json:"message" validate:"required"`
	Context []types.Turn `json:"context,omitempty" validate:"omitempty,max=50,dive"`
	Model   string       `json:"model,omitempty" validate:"max=128"`
}

type TypingRequest struct {
	Typing *bool `json:"typing" validate:"required"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

// writeError reports err with the status and message of its category.
// Errors outside the taxonomy are logged in full.
func (s *GoChatApp) writeError(w http.ResponseWriter, err error) {
	errResp := NewApiError(err)
	if errs.IsInternal(err) {
		s.log.Printf("request failed: %v", err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *GoChatApp) decode(r *http.Request, dst any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return errs.InvalidArgument("unreadable body")
	}

	return validate.Decode(raw, dst)
}

// decodeOptional is decode for endpoints whose body may be omitted.
func (s *GoChatApp) decodeOptional(r *http.Request, dst any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return errs.InvalidArgument("unreadable body")
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	return validate.Decode(raw, dst)
}

func (s *GoChatApp) generateShortId() (string, error) {
	return shortid.Generate()
}

// memberRoom resolves an active room the caller belongs to.
func (s *GoChatApp) memberRoom(ctx context.Context, userId int, externalId string) (database.Room, error) {
	room, err := s.db.GetRoomByExternalId(ctx, externalId)
	if err != nil {
		return database.Room{}, fmt.Errorf("get room %q: %w", externalId, err)
	}
	if !room.Active {
		return database.Room{}, fmt.Errorf("room %q is inactive: %w", externalId, errs.ErrNotFound)
	}

	if _, err := s.db.GetMembership(ctx, userId, room.Id); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return database.Room{}, fmt.Errorf("%w: not a member of room %q", errs.ErrForbidden, externalId)
		}
		return database.Room{}, fmt.Errorf("get membership: %w", err)
	}

	return room, nil
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Printf("health check: %v", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GoChatApp) createRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := User(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateRoomRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	sid, err := s.generateShortId()
	if err != nil {
		s.log.Print("generateShortId:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	visibility := req.Visibility
	if visibility == "" {
		visibility = types.VisibilityPrivate
	}

	newRoom, err := s.db.CreateRoom(r.Context(), database.CreateRoomParams{
		Name:             req.Name,
		Description:      req.Description,
		ExternalId:       sid,
		Visibility:       visibility,
		Capacity:         req.Capacity,
		AssistantEnabled: req.AssistantEnabled,
		Model:            req.Model,
		OwnerId:          user.Id,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	// the owner's open sessions start receiving the new room right away
	if _, err := s.cs.JoinRoom(r.Context(), user, newRoom.ExternalId, nil); err != nil {
		s.log.Printf("subscribe owner sessions: room=%s: %v", newRoom.ExternalId, err)
	}

	s.writeJson(w, http.StatusCreated, newRoom.ToRoom())
}

// getRoom shows public rooms to anyone and other rooms to members only.
func (s *GoChatApp) getRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.db.GetRoomByExternalId(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !room.Active {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if room.Visibility != types.VisibilityPublic {
		if _, err := s.memberRoom(r.Context(), userId, room.ExternalId); err != nil {
			s.writeError(w, err)
			return
		}
	}

	s.writeJson(w, http.StatusOK, room.ToRoom())
}

// deleteRoom deactivates the room. Messages are kept.
func (s *GoChatApp) deleteRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.db.GetRoomByExternalId(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Check if the user is the owner of the room
	if room.OwnerId != userId {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.DeactivateRoom(r.Context(), room.Id); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GoChatApp) addMember(w http.ResponseWriter, r *http.Request) {
	user, ok := User(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req AddMemberRequest
	if err := s.decodeOptional(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	room, err := s.db.GetRoomByExternalId(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !room.Active {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	target := user
	switch {
	case req.AccountId != 0 && req.AccountId != user.Id:
		target, err = s.invitee(r.Context(), user.Id, room, req.AccountId)
		if err != nil {
			s.writeError(w, err)
			return
		}
	case room.Visibility != types.VisibilityPublic:
		s.writeError(w, fmt.Errorf("%w: room %q requires an invitation", errs.ErrForbidden, room.ExternalId))
		return
	}

	m, err := s.db.CreateMembership(r.Context(), target.Id, room.Id, types.MemberMember)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if _, err := s.cs.JoinRoom(r.Context(), target, room.ExternalId, nil); err != nil {
		s.log.Printf("subscribe member sessions: room=%s user=%d: %v", room.ExternalId, target.Id, err)
	}

	s.writeJson(w, http.StatusCreated, types.Membership{
		Room:     room.ToRoom(),
		UserId:   m.AccountId,
		Role:     m.Role,
		JoinedAt: m.JoinedAt,
	})
}

// invitee resolves the account an owner or admin of room is adding.
func (s *GoChatApp) invitee(ctx context.Context, callerId int, room database.Room, accountId int) (types.User, error) {
	caller, err := s.db.GetMembership(ctx, callerId, room.Id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return types.User{}, fmt.Errorf("%w: not a member of room %q", errs.ErrForbidden, room.ExternalId)
		}
		return types.User{}, fmt.Errorf("get membership: %w", err)
	}
	if caller.Role != types.MemberOwner && caller.Role != types.MemberAdmin {
		return types.User{}, fmt.Errorf("%w: only owners and admins add members to room %q", errs.ErrForbidden, room.ExternalId)
	}

	acct, err := s.db.GetAccountById(ctx, accountId)
	if err != nil {
		return types.User{}, fmt.Errorf("get account %d: %w", accountId, err)
	}
	if acct.State != types.StateActive {
		return types.User{}, errs.InvalidArgument("account is not active")
	}

	return acct.ToUser(), nil
}

func (s *GoChatApp) removeMember(w http.ResponseWriter, r *http.Request) {
	user, ok := User(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.db.GetRoomByExternalId(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.db.DeleteMembership(r.Context(), user.Id, room.Id); err != nil {
		s.writeError(w, err)
		return
	}

	s.cs.LeaveRoom(user, room.ExternalId, nil)
	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GoChatApp) joinRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := User(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.cs.JoinRoom(r.Context(), user, r.PathValue("id"), nil)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, server.RoomAck{RoomId: room.ExternalId, Room: &room})
}

func (s *GoChatApp) leaveRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := User(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	roomId := r.PathValue("id")
	s.cs.LeaveRoom(user, roomId, nil)
	s.writeJson(w, http.StatusOK, server.RoomAck{RoomId: roomId})
}

func (s *GoChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var (
		before, after, limit int
		err                  error
	)

	beforeStr := r.URL.Query().Get("before")
	if beforeStr != "" {
		before, err = strconv.Atoi(beforeStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	afterStr := r.URL.Query().Get("after")
	if afterStr != "" {
		after, err = strconv.Atoi(afterStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	limitStr := r.URL.Query().Get("limit")
	if limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	room, err := s.memberRoom(r.Context(), userId, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	messages, err := s.db.GetMessages(r.Context(), room.Id, after, before, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, lo.Map(messages, func(m database.Message, _ int) types.Message {
		return m.ToMessage(room.ExternalId)
	}))
}

func (s *GoChatApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := User(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req SendMessageRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	msg, err := s.cs.SendMessage(r.Context(), user, r.PathValue("id"), req.Content, req.Type)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *GoChatApp) aiChat(w http.ResponseWriter, r *http.Request) {
	user, ok := User(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if s.assistant == nil {
		s.writeError(w, fmt.Errorf("%w: assistant not configured", errs.ErrUnavailable))
		return
	}

	var req AIChatRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.assistant.Invoke(r.Context(), assistant.Invocation{
		User:    user,
		RoomId:  r.PathValue("id"),
		Message: req.Message,
		Context: req.Context,
		Model:   req.Model,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, res)
}

func (s *GoChatApp) typing(w http.ResponseWriter, r *http.Request) {
	user, ok := User(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req TypingRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.cs.Typing(r.Context(), user, r.PathValue("id"), *req.Typing, nil); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GoChatApp) getMemberships(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	memberships, err := s.db.ListMemberships(r.Context(), userId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, lo.Map(memberships, func(m database.Membership, _ int) types.Membership {
		return types.Membership{
			Room:     m.Room.ToRoom(),
			UserId:   m.AccountId,
			Role:     m.Role,
			JoinedAt: m.JoinedAt,
		}
	}))
}

func (s *GoChatApp) getQuota(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	q, err := s.ledger.Get(r.Context(), userId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, q)
}

// serveWs upgrades an authenticated request and registers the session.
func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	user, ok := User(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client, err := s.cs.Connect(r.Context(), user, conn)
	if err != nil {
		s.log.Printf("connect session: user=%d: %v", user.Id, err)
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
