// Package readings draws tarot spreads. It stands in for the hosted
// interpretation gateway behind the same contract: an unreliable external
// step that runs after credits are deducted.
package readings

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/arcanalabs/credits/pkg/credits"
	"github.com/google/uuid"
)

var majorArcana = []string{
	"The Fool", "The Magician", "The High Priestess", "The Empress",
	"The Emperor", "The Hierophant", "The Lovers", "The Chariot",
	"Strength", "The Hermit", "Wheel of Fortune", "Justice",
	"The Hanged Man", "Death", "Temperance", "The Devil",
	"The Tower", "The Star", "The Moon", "The Sun",
	"Judgement", "The World",
}

var spreadPositions = map[credits.OperationKind][]string{
	credits.OperationSingleCardReading: {"focus"},
	credits.OperationThreeCardReading:  {"past", "present", "future"},
	credits.OperationFiveCardReading:   {"situation", "challenge", "advice", "influence", "outcome"},
}

// Card is one drawn card with its spread position.
type Card struct {
	Name     string `json:"name"`
	Position string `json:"position"`
	Reversed bool   `json:"reversed"`
}

// Reading is a completed spread.
type Reading struct {
	ReadingID      string `json:"reading_id"`
	Spread         string `json:"spread"`
	Question       string `json:"question,omitempty"`
	Cards          []Card `json:"cards"`
	Summary        string `json:"summary"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

// Answer is a follow-up response tied to an earlier reading.
type Answer struct {
	AnswerID       string `json:"answer_id"`
	Question       string `json:"question"`
	Card           Card   `json:"card"`
	Text           string `json:"text"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

// Generator draws cards from a seeded deck.
type Generator struct {
	mu    sync.Mutex
	rng   *rand.Rand
	nowFn func() int64
}

// NewGenerator wires a Generator.
func NewGenerator(seed int64, now func() int64) *Generator {
	return &Generator{
		rng:   rand.New(rand.NewSource(seed)),
		nowFn: now,
	}
}

// DrawReading draws the spread for the given operation kind.
func (generator *Generator) DrawReading(_ context.Context, kind credits.OperationKind, question string) (Reading, error) {
	positions, ok := spreadPositions[kind]
	if !ok {
		return Reading{}, fmt.Errorf("%w: no spread for %q", credits.ErrInvalidOperationKind, kind)
	}
	cards := generator.draw(positions)
	names := make([]string, 0, len(cards))
	for _, card := range cards {
		names = append(names, card.Name)
	}
	return Reading{
		ReadingID:      uuid.NewString(),
		Spread:         kind.String(),
		Question:       strings.TrimSpace(question),
		Cards:          cards,
		Summary:        fmt.Sprintf("The cards drawn are %s.", strings.Join(names, ", ")),
		CreatedUnixUTC: generator.nowFn(),
	}, nil
}

// AnswerQuestion draws a single clarifying card for a follow-up question.
func (generator *Generator) AnswerQuestion(_ context.Context, question string) (Answer, error) {
	trimmed := strings.TrimSpace(question)
	if trimmed == "" {
		return Answer{}, fmt.Errorf("question must not be empty")
	}
	card := generator.draw([]string{"clarifier"})[0]
	return Answer{
		AnswerID:       uuid.NewString(),
		Question:       trimmed,
		Card:           card,
		Text:           fmt.Sprintf("%s speaks to your question.", card.Name),
		CreatedUnixUTC: generator.nowFn(),
	}, nil
}

// draw picks len(positions) distinct cards.
func (generator *Generator) draw(positions []string) []Card {
	generator.mu.Lock()
	defer generator.mu.Unlock()
	indices := generator.rng.Perm(len(majorArcana))
	cards := make([]Card, 0, len(positions))
	for slot, position := range positions {
		cards = append(cards, Card{
			Name:     majorArcana[indices[slot]],
			Position: position,
			Reversed: generator.rng.Intn(2) == 1,
		})
	}
	return cards
}
