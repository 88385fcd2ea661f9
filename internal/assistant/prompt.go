package assistant

import (
	"strings"
	"unicode/utf8"

	"github.com/npezzotti/go-chatrooms/internal/types"
)

// EstimateTokens approximates a token count as one token per four
// characters, rounded up. It is used whenever a provider does not report
// usage, so it must stay stable.
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}

var turnLabels = map[string]string{
	"user":      "User",
	"assistant": "Assistant",
	"system":    "System",
}

// ComposePrompt builds the prompt sent to the provider. Without context the
// persona instruction is prefixed to the message; with context each prior
// turn is rendered in order and the message is appended as the final turn.
func ComposePrompt(persona, message string, context []types.Turn) string {
	var b strings.Builder

	if len(context) == 0 {
		if persona != "" {
			b.WriteString(persona)
			b.WriteString("\n\n")
		}
	} else {
		for _, turn := range context {
			label, ok := turnLabels[turn.Role]
			if !ok {
				label = "User"
			}
			b.WriteString(label)
			b.WriteString(": ")
			b.WriteString(turn.Content)
			b.WriteString("\n")
		}
	}

	b.WriteString("User: ")
	b.WriteString(message)
	b.WriteString("\nAssistant:")

	return b.String()
}
