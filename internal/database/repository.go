package database

import (
	"context"

	"github.com/npezzotti/go-chatrooms/internal/types"
)

// GoChatRepository is the durable store behind rooms, memberships and
// messages. Lookups that match no row return errs.ErrNotFound.
type GoChatRepository interface {
	Ping(ctx context.Context) error
	CreateAccount(ctx context.Context, params CreateAccountParams) (User, error)
	UpdateAccount(ctx context.Context, params UpdateAccountParams) (User, error)
	GetAccountById(ctx context.Context, accountId int) (User, error)
	GetAccountByEmail(ctx context.Context, email string) (User, error)
	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error)
	GetRoomByExternalId(ctx context.Context, externalId string) (Room, error)
	DeactivateRoom(ctx context.Context, roomId int) error
	GetMembership(ctx context.Context, accountId, roomId int) (Membership, error)
	ListMemberships(ctx context.Context, accountId int) ([]Membership, error)
	CreateMembership(ctx context.Context, accountId, roomId int, role types.MemberRole) (Membership, error)
	DeleteMembership(ctx context.Context, accountId, roomId int) error
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetMessages(ctx context.Context, roomId, since, before, limit int) ([]Message, error)
}
