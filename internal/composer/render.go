package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/pixella/internal/retrieval"
)

// Message is one chat message in provider-neutral form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const baseInstructions = "You are Pixella, a helpful assistant with long-term memory of this conversation " +
	"and access to documents the user imported. Answer the user's latest message. " +
	"When retrieved context is relevant, ground your answer in it; when it is not, say so rather than guessing."

// SystemPrompt builds the system message: instructions, who the user is,
// then the retrieved context.
func SystemPrompt(p Payload) string {
	var sb strings.Builder
	sb.WriteString(baseInstructions)

	switch {
	case p.DisplayName != "" && p.Persona != "":
		fmt.Fprintf(&sb, "\n\nYou are responding to %s, whose persona is: '%s'.", p.DisplayName, p.Persona)
	case p.DisplayName != "":
		fmt.Fprintf(&sb, "\n\nYou are responding to %s.", p.DisplayName)
	case p.Persona != "":
		fmt.Fprintf(&sb, "\n\nThe user's persona is: '%s'.", p.Persona)
	}

	if len(p.Retrieved) > 0 {
		sb.WriteString("\n\n[Retrieved Context]\n")
		for _, r := range p.Retrieved {
			sb.WriteString(formatChunk(r))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatChunk(r retrieval.Result) string {
	return fmt.Sprintf("(Rank: %d, Score: %.2f, Source: %s#%d)\n%s\n\n", r.Rank, r.Score, r.DocumentID, r.Index, r.Text)
}

// Render turns a payload into chat messages: the system prompt, the
// history window in order, then the new user message.
func Render(p Payload) []Message {
	msgs := make([]Message, 0, len(p.History)+2)
	msgs = append(msgs, Message{Role: "system", Content: SystemPrompt(p)})
	for _, t := range p.History {
		msgs = append(msgs, Message{Role: string(t.Role), Content: t.Content})
	}
	return append(msgs, Message{Role: "user", Content: p.UserMessage})
}

// EstimateTokens approximates a token count at four bytes per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// EstimatePayloadTokens approximates the prompt size of a rendered payload.
func EstimatePayloadTokens(p Payload) int {
	n := 0
	for _, m := range Render(p) {
		n += EstimateTokens(m.Content)
	}
	return n
}
