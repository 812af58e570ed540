// Package composer assembles the bounded context handed to the generation
// model for one user turn: a window of prior turns, the retrieved document
// chunks and the persona.
package composer

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/kalambet/pixella/internal/retrieval"
	"github.com/kalambet/pixella/internal/session"
)

const (
	DefaultTopK            = 4
	DefaultMaxContextChars = 12000
)

// HistoryWindow bounds the prior turns of a session. *memory.Manager
// implements it.
type HistoryWindow interface {
	Window(turns []session.Turn) []session.Turn
}

// Retriever looks up document chunks relevant to a query.
// *retrieval.Scorer implements it.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, floor float32) ([]retrieval.Result, error)
}

// Config holds the retrieval and size limits applied per turn.
type Config struct {
	TopK            int
	SimilarityFloor float32
	// MaxContextChars caps the combined runes of history and retrieved
	// chunk text only. The user message, persona, display name and system
	// instructions are outside the ceiling and are never shortened.
	MaxContextChars int
}

func (c Config) withDefaults() Config {
	if c.TopK < 0 {
		c.TopK = 0
	} else if c.TopK == 0 {
		c.TopK = DefaultTopK
	}
	if c.MaxContextChars <= 0 {
		c.MaxContextChars = DefaultMaxContextChars
	}
	return c
}

// Payload is the sole input of a generation call.
type Payload struct {
	SessionID   string             `json:"session_id"`
	DisplayName string             `json:"display_name,omitempty"`
	Persona     string             `json:"persona,omitempty"`
	History     []session.Turn     `json:"history"`
	Retrieved   []retrieval.Result `json:"retrieved"`
	UserMessage string             `json:"user_message"`

	// DroppedChunks and DroppedTurns count what the size ceiling removed.
	DroppedChunks int `json:"dropped_chunks,omitempty"`
	DroppedTurns  int `json:"dropped_turns,omitempty"`
	// EstimatedTokens approximates the rendered prompt, system message and
	// user message included.
	EstimatedTokens int `json:"estimated_tokens"`
}

// ContextChars is the size measured against the ceiling: history turns
// plus retrieved chunk text. It excludes the user message and persona.
func (p Payload) ContextChars() int {
	n := 0
	for _, t := range p.History {
		n += utf8.RuneCountInString(t.Content)
	}
	for _, r := range p.Retrieved {
		n += utf8.RuneCountInString(r.Text)
	}
	return n
}

// Assembler builds payloads. It holds no state of its own and invokes no
// model.
type Assembler struct {
	window    HistoryWindow
	retriever Retriever
	cfg       Config
	logger    *slog.Logger
}

func NewAssembler(window HistoryWindow, retriever Retriever, cfg Config) *Assembler {
	return &Assembler{
		window:    window,
		retriever: retriever,
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
	}
}

func (a *Assembler) Config() Config { return a.cfg }

// Assemble composes the context for userMessage in sess. sess.Turns must
// not yet contain userMessage. persona overrides the session persona when
// non-empty.
//
// Retrieval errors are returned, not swallowed; an empty index simply
// yields no chunks. When history and chunks exceed MaxContextChars the
// lowest-ranked chunks go first, then the oldest turns. The most recent
// prior turn is never dropped; if it alone exceeds the ceiling its text
// is shortened to fit.
func (a *Assembler) Assemble(ctx context.Context, sess session.Session, userMessage, persona string) (Payload, error) {
	history := a.window.Window(sess.Turns)

	retrieved := []retrieval.Result{}
	if a.cfg.TopK > 0 {
		var err error
		retrieved, err = a.retriever.Retrieve(ctx, userMessage, a.cfg.TopK, a.cfg.SimilarityFloor)
		if err != nil {
			return Payload{}, fmt.Errorf("retrieving context: %w", err)
		}
	}

	if persona == "" {
		persona = session.Deref(sess.Persona)
	}
	p := Payload{
		SessionID:   sess.ID,
		DisplayName: session.Deref(sess.DisplayName),
		Persona:     persona,
		History:     history,
		Retrieved:   retrieved,
		UserMessage: userMessage,
	}
	a.enforceCeiling(&p)
	p.EstimatedTokens = EstimatePayloadTokens(p)

	a.logger.Debug("context assembled",
		"session_id", sess.ID,
		"turns", len(p.History),
		"chunks", len(p.Retrieved),
		"chars", p.ContextChars(),
		"dropped_chunks", p.DroppedChunks,
		"dropped_turns", p.DroppedTurns,
		"estimated_tokens", p.EstimatedTokens,
	)
	return p, nil
}

func (a *Assembler) enforceCeiling(p *Payload) {
	limit := a.cfg.MaxContextChars
	size := p.ContextChars()

	for size > limit && len(p.Retrieved) > 0 {
		last := p.Retrieved[len(p.Retrieved)-1]
		size -= utf8.RuneCountInString(last.Text)
		p.Retrieved = p.Retrieved[:len(p.Retrieved)-1]
		p.DroppedChunks++
	}
	for size > limit && len(p.History) > 1 {
		size -= utf8.RuneCountInString(p.History[0].Content)
		p.History = p.History[1:]
		p.DroppedTurns++
	}
	if size > limit && len(p.History) == 1 {
		newest := p.History[0]
		newest.Content = string([]rune(newest.Content)[:limit])
		p.History = []session.Turn{newest}
	}
}
