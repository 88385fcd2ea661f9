// Package server keeps the registry of live sessions and fans room events
// out to them through a broker.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrooms/internal/assistant"
	"github.com/npezzotti/go-chatrooms/internal/broker"
	"github.com/npezzotti/go-chatrooms/internal/database"
	"github.com/npezzotti/go-chatrooms/internal/errs"
	"github.com/npezzotti/go-chatrooms/internal/ratelimit"
	"github.com/npezzotti/go-chatrooms/internal/stats"
	"github.com/npezzotti/go-chatrooms/internal/types"
)

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (types.User, error)
}

type Invoker interface {
	Invoke(ctx context.Context, inv assistant.Invocation) (*assistant.Result, error)
}

type Config struct {
	Authenticator    Authenticator
	Broker           broker.Broker
	Limiter          *ratelimit.Limiter
	Rule             ratelimit.Rule
	MaxMessageLength int
}

type ChatServer struct {
	log   *log.Logger
	db    database.GoChatRepository
	stats stats.StatsProvider
	cfg   Config

	assistant Invoker

	clients     map[string]*Client
	userMap     map[int]map[*Client]struct{}
	clientsLock sync.RWMutex

	rooms     map[string]*roomSubscribers
	roomsLock sync.RWMutex

	publishLocks [publishLockStripes]sync.Mutex

	// inflight tracks assistant invocations started by live sessions. No
	// invocation is added once closing is set.
	inflight     sync.WaitGroup
	inflightLock sync.Mutex
	closing      bool
}

func NewChatServer(logger *log.Logger, db database.GoChatRepository, su stats.StatsProvider, cfg Config) (*ChatServer, error) {
	if cfg.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("authenticator is required")
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 4000
	}

	for _, name := range stats.Metrics {
		su.RegisterMetric(name)
	}

	return &ChatServer{
		log:     logger,
		db:      db,
		stats:   su,
		cfg:     cfg,
		clients: make(map[string]*Client),
		userMap: make(map[int]map[*Client]struct{}),
		rooms:   make(map[string]*roomSubscribers),
	}, nil
}

// SetAssistant wires the orchestrator used for ai_chat events.
func (cs *ChatServer) SetAssistant(inv Invoker) {
	cs.assistant = inv
}

// Start subscribes to the broker. Room events are delivered to local
// sessions until ctx is done.
func (cs *ChatServer) Start(ctx context.Context) error {
	if err := cs.cfg.Broker.Subscribe(ctx, cs.deliver); err != nil {
		return fmt.Errorf("subscribe broker: %w", err)
	}
	return nil
}

func (cs *ChatServer) Authenticate(ctx context.Context, token string) (types.User, error) {
	return cs.cfg.Authenticator.Authenticate(ctx, token)
}

// Connect registers a live session for an authenticated user and
// subscribes it to every room the user is a member of.
func (cs *ChatServer) Connect(ctx context.Context, user types.User, conn *websocket.Conn) (*Client, error) {
	c := NewClient(user, conn, cs, cs.log)
	if err := cs.attach(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (cs *ChatServer) attach(ctx context.Context, c *Client) error {
	memberships, err := cs.db.ListMemberships(ctx, c.user.Id)
	if err != nil {
		return fmt.Errorf("list memberships: %w", err)
	}

	cs.addClient(c)
	for _, m := range memberships {
		if m.Room.Active {
			cs.subscribe(c, m.Room.ExternalId)
		}
	}

	cs.stats.Incr(stats.NumActiveSessions)
	cs.log.Printf("session connected: session=%s user=%d rooms=%d", c.id, c.user.Id, len(c.roomIds()))
	return nil
}

// Disconnect removes a session from the registry and every room. It is
// safe to call more than once.
func (cs *ChatServer) Disconnect(c *Client) {
	if !cs.removeClient(c) {
		return
	}

	c.stopClient()
	cs.unsubscribeAll(c)

	cs.stats.Decr(stats.NumActiveSessions)
	cs.log.Printf("session disconnected: session=%s user=%d", c.id, c.user.Id)
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c.id] = c
	if cs.userMap[c.user.Id] == nil {
		cs.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	cs.userMap[c.user.Id][c] = struct{}{}
}

func (cs *ChatServer) removeClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c.id]; !ok {
		return false
	}
	delete(cs.clients, c.id)
	delete(cs.userMap[c.user.Id], c)
	if len(cs.userMap[c.user.Id]) == 0 {
		delete(cs.userMap, c.user.Id)
	}
	return true
}

func (cs *ChatServer) userSessions(userId int) []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	out := make([]*Client, 0, len(cs.userMap[userId]))
	for c := range cs.userMap[userId] {
		out = append(out, c)
	}
	return out
}

// authorize resolves an active room and the user's membership in it.
func (cs *ChatServer) authorize(ctx context.Context, userId int, roomId string) (database.Room, error) {
	room, err := cs.db.GetRoomByExternalId(ctx, roomId)
	if err != nil {
		return database.Room{}, fmt.Errorf("get room %q: %w", roomId, err)
	}
	if !room.Active {
		return database.Room{}, fmt.Errorf("room %q is inactive: %w", roomId, errs.ErrNotFound)
	}

	if _, err := cs.db.GetMembership(ctx, userId, room.Id); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return database.Room{}, fmt.Errorf("%w: not a member of room %q", errs.ErrForbidden, roomId)
		}
		return database.Room{}, fmt.Errorf("get membership: %w", err)
	}

	return room, nil
}

// JoinRoom subscribes sessions of user to roomId. With a nil session every
// local session of the user is subscribed, which is how the HTTP surface
// mirrors join_room. Joining twice is a no-op.
func (cs *ChatServer) JoinRoom(ctx context.Context, user types.User, roomId string, session *Client) (types.Room, error) {
	room, err := cs.authorize(ctx, user.Id, roomId)
	if err != nil {
		return types.Room{}, err
	}

	for _, c := range cs.targetSessions(user, session) {
		cs.subscribe(c, room.ExternalId)
	}

	return room.ToRoom(), nil
}

// LeaveRoom unsubscribes sessions from roomId. Membership is not touched.
func (cs *ChatServer) LeaveRoom(user types.User, roomId string, session *Client) {
	for _, c := range cs.targetSessions(user, session) {
		cs.unsubscribe(c, roomId)
	}
}

func (cs *ChatServer) targetSessions(user types.User, session *Client) []*Client {
	if session != nil {
		return []*Client{session}
	}
	return cs.userSessions(user.Id)
}

// SendMessage validates and persists a user message and broadcasts it to
// the room.
func (cs *ChatServer) SendMessage(ctx context.Context, user types.User, roomId, content string, kind types.MessageKind) (types.Message, error) {
	if kind == "" {
		kind = types.KindText
	}
	if !kind.Valid() || kind == types.KindSystem {
		return types.Message{}, errs.InvalidArgument(fmt.Sprintf("unsupported message type %q", kind))
	}
	if strings.TrimSpace(content) == "" {
		return types.Message{}, errs.InvalidArgument("content cannot be empty")
	}
	if utf8.RuneCountInString(content) > cs.cfg.MaxMessageLength {
		return types.Message{}, errs.InvalidArgument(fmt.Sprintf("content exceeds %d characters", cs.cfg.MaxMessageLength))
	}

	room, err := cs.authorize(ctx, user.Id, roomId)
	if err != nil {
		return types.Message{}, err
	}

	userId := user.Id
	msg, err := cs.PostMessage(ctx, room, database.CreateMessageParams{
		RoomId:  room.Id,
		UserId:  &userId,
		Content: content,
		Kind:    kind,
		Origin:  types.OriginUser,
	})
	if err != nil {
		return types.Message{}, err
	}

	cs.stats.Incr(stats.NumMessagesSent)
	return msg, nil
}

// PostMessage persists params in room and broadcasts the stored message.
// The room's publish lock is held across both steps so the broadcast order
// matches the sequence ids. A failed broadcast is logged; the message is
// already durable.
func (cs *ChatServer) PostMessage(ctx context.Context, room database.Room, params database.CreateMessageParams) (types.Message, error) {
	lock := cs.publishLock(room.ExternalId)
	lock.Lock()
	defer lock.Unlock()

	dbMsg, err := cs.db.CreateMessage(ctx, params)
	if err != nil {
		return types.Message{}, fmt.Errorf("create message: %w", err)
	}

	msg := dbMsg.ToMessage(room.ExternalId)
	if err := cs.Broadcast(ctx, room.ExternalId, EventNewMessage, msg, ""); err != nil {
		cs.log.Printf("broadcast failed: op=post_message room=%s message=%d: %v", room.ExternalId, msg.Id, err)
	}

	return msg, nil
}

// Broadcast publishes an event for every session subscribed to roomId on
// any instance, except skipSession.
func (cs *ChatServer) Broadcast(ctx context.Context, roomId, event string, payload any, skipSession string) error {
	return cs.publish(ctx, roomId, event, payload, broker.Envelope{SkipSession: skipSession})
}

// publish fills env with the event and hands it to the broker. Skip fields
// already set on env are kept.
func (cs *ChatServer) publish(ctx context.Context, roomId, event string, payload any, env broker.Envelope) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	env.RoomId = roomId
	env.Event = event
	env.Payload = data
	env.Timestamp = Now()
	return cs.cfg.Broker.Publish(ctx, env)
}

// deliver hands a broker envelope to the local subscribers of its room.
func (cs *ChatServer) deliver(env broker.Envelope) {
	msg := &ServerMessage{
		Event:     env.Event,
		Timestamp: env.Timestamp,
		Data:      env.Payload,
	}

	for _, c := range cs.subscribers(env.RoomId) {
		if c.id == env.SkipSession || (env.SkipUser != 0 && c.user.Id == env.SkipUser) {
			continue
		}
		c.queueMessage(msg)
	}
}

// Typing relays a typing notification to the room, excluding the sender.
// With a nil session every session of user is excluded. A live session
// already subscribed to the room skips the membership lookup.
func (cs *ChatServer) Typing(ctx context.Context, user types.User, roomId string, started bool, session *Client) error {
	if session == nil || !session.inRoom(roomId) {
		if _, err := cs.authorize(ctx, user.Id, roomId); err != nil {
			return err
		}
	}

	event := EventUserStopTyping
	if started {
		event = EventUserTyping
	}

	skip := broker.Envelope{SkipUser: user.Id}
	if session != nil {
		skip = broker.Envelope{SkipSession: session.id}
	}

	return cs.publish(ctx, roomId, event, TypingPayload{
		RoomId: roomId,
		User:   types.User{Id: user.Id, Username: user.Username},
	}, skip)
}

// Shutdown closes every session and waits for in-flight assistant
// invocations to finish.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.inflightLock.Lock()
	cs.closing = true
	cs.inflightLock.Unlock()

	cs.clientsLock.RLock()
	clients := make([]*Client, 0, len(cs.clients))
	for _, c := range cs.clients {
		clients = append(clients, c)
	}
	cs.clientsLock.RUnlock()

	for _, c := range clients {
		cs.Disconnect(c)
	}

	done := make(chan struct{})
	go func() {
		cs.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// beginInvocation registers an assistant invocation, or reports false once
// Shutdown has started.
func (cs *ChatServer) beginInvocation() bool {
	cs.inflightLock.Lock()
	defer cs.inflightLock.Unlock()

	if cs.closing {
		return false
	}
	cs.inflight.Add(1)
	return true
}

func (cs *ChatServer) allowEvent(ctx context.Context, user types.User) error {
	if cs.cfg.Limiter == nil {
		return nil
	}

	_, err := cs.cfg.Limiter.Allow(ctx, cs.cfg.Rule, ratelimit.UserKey(user.Id))
	if errors.Is(err, errs.ErrRateLimited) {
		cs.stats.Incr(stats.NumRateLimited)
	}
	return err
}

func eventTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 10*time.Second)
}
