package assistant

import (
	"testing"

	"github.com/npezzotti/go-chatrooms/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens(t *testing.T) {
	tcases := map[string]int{
		"":         0,
		"a":        1,
		"abcd":     1,
		"abcde":    2,
		"héllo wö": 2,
		"日本語のテキスト": 2,
	}

	for in, want := range tcases {
		assert.Equal(t, want, EstimateTokens(in), "EstimateTokens(%q)", in)
	}
}

func TestComposePrompt(t *testing.T) {
	t.Run("single turn", func(t *testing.T) {
		got := ComposePrompt("You are helpful.", "Hi", nil)
		assert.Equal(t, "You are helpful.\n\nUser: Hi\nAssistant:", got)
	})

	t.Run("with context", func(t *testing.T) {
		context := []types.Turn{
			{Role: "system", Content: "Answer in French."},
			{Role: "user", Content: "Hello"},
			{Role: "assistant", Content: "Bonjour"},
		}

		got := ComposePrompt("ignored persona", "How are you?", context)
		assert.Equal(t,
			"System: Answer in French.\nUser: Hello\nAssistant: Bonjour\nUser: How are you?\nAssistant:",
			got)
	})

	t.Run("deterministic", func(t *testing.T) {
		context := []types.Turn{{Role: "user", Content: "a"}, {Role: "assistant", Content: "b"}}
		assert.Equal(t, ComposePrompt("p", "c", context), ComposePrompt("p", "c", context))
	})
}
