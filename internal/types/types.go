package types

import (
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

type AccountState string

const (
	StateActive    AccountState = "active"
	StateSuspended AccountState = "suspended"
	StatePending   AccountState = "pending"
)

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
	VisibilityGroup   Visibility = "group"
)

type MemberRole string

const (
	MemberOwner     MemberRole = "owner"
	MemberAdmin     MemberRole = "admin"
	MemberModerator MemberRole = "moderator"
	MemberMember    MemberRole = "member"
)

type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindFile   MessageKind = "file"
	KindSystem MessageKind = "system"
)

type MessageOrigin string

const (
	OriginUser      MessageOrigin = "user"
	OriginAssistant MessageOrigin = "assistant"
	OriginSystem    MessageOrigin = "system"
)

type User struct {
	Id           int          `json:"id"`
	Username     string       `json:"username"`
	EmailAddress string       `json:"email_address,omitempty"`
	Role         Role         `json:"role,omitempty"`
	State        AccountState `json:"state,omitempty"`
	AIUsageTotal int          `json:"ai_usage_total,omitempty"`
	CreatedAt    time.Time    `json:"created_at,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at,omitempty"`
}

type Room struct {
	Id               int        `json:"id"`
	ExternalId       string     `json:"external_id"`
	Name             string     `json:"name"`
	Description      string     `json:"description"`
	Visibility       Visibility `json:"visibility"`
	Capacity         int        `json:"capacity"`
	AssistantEnabled bool       `json:"assistant_enabled"`
	Model            string     `json:"model,omitempty"`
	OwnerId          int        `json:"owner_id"`
	Active           bool       `json:"active"`
	SeqId            int        `json:"seq_id"`
	CreatedAt        time.Time  `json:"created_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at,omitempty"`
}

type Membership struct {
	Room     Room       `json:"room"`
	UserId   int        `json:"user_id"`
	Role     MemberRole `json:"role"`
	JoinedAt time.Time  `json:"joined_at"`
}

// Message is a persisted chat message. UserId is nil for assistant and
// system messages.
type Message struct {
	Id               int           `json:"id"`
	SeqId            int           `json:"seq_id"`
	RoomId           string        `json:"room_id"`
	UserId           *int          `json:"user_id,omitempty"`
	Content          string        `json:"content"`
	Type             MessageKind   `json:"type"`
	Origin           MessageOrigin `json:"origin"`
	Model            string        `json:"model,omitempty"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	Edited           bool          `json:"edited"`
	EditedAt         *time.Time    `json:"edited_at,omitempty"`
	Timestamp        time.Time     `json:"timestamp"`
}

type Quota struct {
	Plan        string    `json:"plan"`
	Allowance   int       `json:"allowance"`
	Consumed    int       `json:"consumed"`
	Remaining   int       `json:"remaining"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// Turn is one prior exchange supplied as conversation context to the
// assistant.
type Turn struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required"`
}

func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile, KindSystem:
		return true
	}
	return false
}
