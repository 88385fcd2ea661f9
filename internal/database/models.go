package database

import (
	"time"

	"github.com/npezzotti/go-chatrooms/internal/types"
)

type Room struct {
	Id               int
	Name             string
	ExternalId       string
	Description      string
	Visibility       types.Visibility
	Capacity         int
	AssistantEnabled bool
	Model            string
	SeqId            int
	OwnerId          int
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type User struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	Role         types.Role
	State        types.AccountState
	AIUsageTotal int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Membership struct {
	Id        int
	AccountId int
	RoomId    int
	Role      types.MemberRole
	JoinedAt  time.Time
	Room      Room
}

type Message struct {
	Id               int
	SeqId            int
	RoomId           int
	UserId           *int
	Content          string
	Kind             types.MessageKind
	Origin           types.MessageOrigin
	Model            string
	PromptTokens     int
	CompletionTokens int
	EditedAt         *time.Time
	CreatedAt        time.Time
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type UpdateAccountParams struct {
	UserId       int
	Username     string
	PasswordHash string
}

type CreateRoomParams struct {
	Name             string
	Description      string
	ExternalId       string
	Visibility       types.Visibility
	Capacity         int
	AssistantEnabled bool
	Model            string
	OwnerId          int
}

type CreateMessageParams struct {
	RoomId           int
	UserId           *int
	Content          string
	Kind             types.MessageKind
	Origin           types.MessageOrigin
	Model            string
	PromptTokens     int
	CompletionTokens int
	// ChargeAccountId, when set, has its lifetime assistant usage counter
	// incremented in the same transaction as the insert.
	ChargeAccountId int
}

func (u User) ToUser() types.User {
	return types.User{
		Id:           u.Id,
		Username:     u.Username,
		EmailAddress: u.EmailAddress,
		Role:         u.Role,
		State:        u.State,
		AIUsageTotal: u.AIUsageTotal,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func (r Room) ToRoom() types.Room {
	return types.Room{
		Id:               r.Id,
		ExternalId:       r.ExternalId,
		Name:             r.Name,
		Description:      r.Description,
		Visibility:       r.Visibility,
		Capacity:         r.Capacity,
		AssistantEnabled: r.AssistantEnabled,
		Model:            r.Model,
		OwnerId:          r.OwnerId,
		Active:           r.Active,
		SeqId:            r.SeqId,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// ToMessage converts a stored message; roomExternalId is the identifier
// clients address the room by.
func (m Message) ToMessage(roomExternalId string) types.Message {
	return types.Message{
		Id:               m.Id,
		SeqId:            m.SeqId,
		RoomId:           roomExternalId,
		UserId:           m.UserId,
		Content:          m.Content,
		Type:             m.Kind,
		Origin:           m.Origin,
		Model:            m.Model,
		PromptTokens:     m.PromptTokens,
		CompletionTokens: m.CompletionTokens,
		Edited:           m.EditedAt != nil,
		EditedAt:         m.EditedAt,
		Timestamp:        m.CreatedAt,
	}
}
