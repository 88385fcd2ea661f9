// Package assistant runs assistant invocations: it enforces membership,
// the room's assistant flag and the caller's quota, then asks a generation
// provider for a reply and posts it to the room.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/npezzotti/go-chatrooms/internal/database"
	"github.com/npezzotti/go-chatrooms/internal/errs"
	"github.com/npezzotti/go-chatrooms/internal/quota"
	"github.com/npezzotti/go-chatrooms/internal/ratelimit"
	"github.com/npezzotti/go-chatrooms/internal/stats"
	"github.com/npezzotti/go-chatrooms/internal/types"
	"github.com/npezzotti/go-chatrooms/internal/validate"
)

// Poster persists a message in a room and broadcasts it to the room's
// subscribers.
type Poster interface {
	PostMessage(ctx context.Context, room database.Room, params database.CreateMessageParams) (types.Message, error)
}

type Invocation struct {
	User    types.User   `json:"-"`
	RoomId  string       `json:"room_id" validate:"required"`
	Message string       `json:"message" validate:"required"`
	Context []types.Turn `json:"context,omitempty" validate:"omitempty,max=50,dive"`
	Model   string       `json:"model,omitempty"`
}

type Result struct {
	Message   types.Message `json:"message"`
	Remaining int           `json:"remaining"`
}

type Config struct {
	Persona          string
	DefaultModel     string
	Timeout          time.Duration
	MaxTokens        int
	MaxMessageLength int
	Rule             ratelimit.Rule
}

type Orchestrator struct {
	log      *log.Logger
	db       database.GoChatRepository
	ledger   quota.Ledger
	provider Provider
	poster   Poster
	limiter  *ratelimit.Limiter
	stats    stats.StatsProvider
	cfg      Config
	now      func() time.Time
}

func NewOrchestrator(
	logger *log.Logger,
	db database.GoChatRepository,
	ledger quota.Ledger,
	provider Provider,
	poster Poster,
	limiter *ratelimit.Limiter,
	su stats.StatsProvider,
	cfg Config,
) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Orchestrator{
		log:      logger,
		db:       db,
		ledger:   ledger,
		provider: provider,
		poster:   poster,
		limiter:  limiter,
		stats:    su,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Invoke runs one assistant invocation for inv.User in inv.RoomId.
// Preconditions are checked in order: membership, assistant flag, the
// assistant rate window, quota.
// Once a quota unit is reserved the invocation no longer follows ctx
// cancellation; only the generation timeout can stop it, and any failure
// from then on returns the unit.
func (o *Orchestrator) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	if err := o.validate(inv); err != nil {
		return nil, err
	}

	room, err := o.db.GetRoomByExternalId(ctx, inv.RoomId)
	if err != nil {
		return nil, fmt.Errorf("get room %q: %w", inv.RoomId, err)
	}
	if !room.Active {
		return nil, fmt.Errorf("room %q is inactive: %w", inv.RoomId, errs.ErrNotFound)
	}

	if _, err := o.db.GetMembership(ctx, inv.User.Id, room.Id); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("%w: not a member of room %q", errs.ErrForbidden, inv.RoomId)
		}
		return nil, fmt.Errorf("get membership: %w", err)
	}

	if !room.AssistantEnabled {
		return nil, errs.ErrAssistantDisabled
	}

	if err := o.allow(ctx, inv.User.Id); err != nil {
		return nil, err
	}

	remaining, err := o.ledger.Reserve(ctx, inv.User.Id)
	if err != nil {
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	userId := inv.User.Id

	if _, err := o.poster.PostMessage(ctx, room, database.CreateMessageParams{
		RoomId:  room.Id,
		UserId:  &userId,
		Content: inv.Message,
		Kind:    types.KindText,
		Origin:  types.OriginUser,
	}); err != nil {
		o.release(ctx, inv, "post trigger message")
		return nil, fmt.Errorf("post trigger message: %w", err)
	}

	prompt := ComposePrompt(o.cfg.Persona, inv.Message, inv.Context)
	model := o.selectModel(inv, room)

	gen, err := o.generate(ctx, prompt, model)
	if err != nil {
		o.stats.Incr(stats.NumAssistantFailures)
		o.log.Printf("generation failed: op=invoke user=%d room=%s model=%s: %v", userId, inv.RoomId, model, err)
		o.release(ctx, inv, "generation failed")
		return nil, fmt.Errorf("%w: %w", errs.ErrGenerationFailed, err)
	}

	msg, err := o.poster.PostMessage(ctx, room, database.CreateMessageParams{
		RoomId:           room.Id,
		Content:          gen.Text,
		Kind:             types.KindText,
		Origin:           types.OriginAssistant,
		Model:            gen.Model,
		PromptTokens:     gen.PromptTokens,
		CompletionTokens: gen.CompletionTokens,
		ChargeAccountId:  userId,
	})
	if err != nil {
		o.release(ctx, inv, "post assistant message")
		return nil, fmt.Errorf("post assistant message: %w", err)
	}

	o.stats.Incr(stats.NumAssistantInvocations)
	return &Result{Message: msg, Remaining: remaining}, nil
}

// allow counts the invocation against the caller's assistant rate window.
func (o *Orchestrator) allow(ctx context.Context, userId int) error {
	if o.limiter == nil {
		return nil
	}

	_, err := o.limiter.Allow(ctx, o.cfg.Rule, ratelimit.UserKey(userId))
	if errors.Is(err, errs.ErrRateLimited) {
		o.stats.Incr(stats.NumRateLimited)
	}
	return err
}

func (o *Orchestrator) validate(inv Invocation) error {
	if err := validate.Struct(inv); err != nil {
		return err
	}
	if strings.TrimSpace(inv.Message) == "" {
		return errs.InvalidArgument("message cannot be empty")
	}
	if o.cfg.MaxMessageLength > 0 && utf8.RuneCountInString(inv.Message) > o.cfg.MaxMessageLength {
		return errs.InvalidArgument(fmt.Sprintf("message exceeds %d characters", o.cfg.MaxMessageLength))
	}
	return nil
}

func (o *Orchestrator) selectModel(inv Invocation, room database.Room) string {
	switch {
	case inv.Model != "":
		return inv.Model
	case room.Model != "":
		return room.Model
	default:
		return o.cfg.DefaultModel
	}
}

func (o *Orchestrator) generate(ctx context.Context, prompt, model string) (Generation, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	gen, err := o.provider.Generate(ctx, prompt, Options{Model: model, MaxTokens: o.cfg.MaxTokens})
	if err != nil {
		return Generation{}, err
	}
	if strings.TrimSpace(gen.Text) == "" {
		return Generation{}, errors.New("provider returned an empty reply")
	}

	if gen.Model == "" {
		gen.Model = model
	}
	if gen.PromptTokens == 0 {
		gen.PromptTokens = EstimateTokens(prompt)
	}
	if gen.CompletionTokens == 0 {
		gen.CompletionTokens = EstimateTokens(gen.Text)
	}

	return gen, nil
}

func (o *Orchestrator) release(ctx context.Context, inv Invocation, reason string) {
	if err := o.ledger.Release(ctx, inv.User.Id); err != nil {
		o.log.Printf("release quota: op=invoke user=%d room=%s reason=%q: %v", inv.User.Id, inv.RoomId, reason, err)
	}
}
