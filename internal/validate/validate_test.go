package validate

import (
	"encoding/json"
	"testing"

	"github.com/npezzotti/go-chatrooms/internal/errs"
	"github.com/npezzotti/go-chatrooms/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	RoomId  string       `json:"room_id" validate:"required,max=32"`
	Context []types.Turn `json:"context" validate:"omitempty,max=2,dive"`
}

func TestDecode(t *testing.T) {
	tcases := []struct {
		name   string
		raw    string
		reason string
	}{
		{
			name: "valid",
			raw:  `{"room_id":"abc","context":[{"role":"user","content":"hi"}]}`,
		},
		{
			name:   "missing",
			raw:    ``,
			reason: "invalid argument: missing data",
		},
		{
			name:   "malformed",
			raw:    `{"room_id":`,
			reason: "invalid argument: malformed data",
		},
		{
			name:   "required field",
			raw:    `{}`,
			reason: "invalid argument: room_id is required",
		},
		{
			name:   "bad turn role",
			raw:    `{"room_id":"abc","context":[{"role":"robot","content":"hi"}]}`,
			reason: "invalid argument: role must be one of [user assistant system]",
		},
		{
			name:   "too many turns",
			raw:    `{"room_id":"abc","context":[{"role":"user","content":"a"},{"role":"user","content":"b"},{"role":"user","content":"c"}]}`,
			reason: "invalid argument: context must be at most 2",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			var p payload
			err := Decode(json.RawMessage(tc.raw), &p)
			if tc.reason == "" {
				require.NoError(t, err)
				assert.Equal(t, "abc", p.RoomId)
				return
			}

			assert.ErrorIs(t, err, errs.ErrInvalidArgument)
			assert.Equal(t, tc.reason, errs.PublicMessage(err))
		})
	}
}
