package assist

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"github.com/wowowow-64/weekwise/domain"
)

const (
	suggestFailure = "Failed to suggest tasks."
	summaryFailure = "Failed to generate summary."
)

var (
	// ErrInvalidDay is reported when a suggestion is requested for a day
	// outside Monday..Sunday.
	ErrInvalidDay = errors.New("invalid day")
	// ErrNoEngine is reported when no language model is configured.
	ErrNoEngine = errors.New("no language model configured")
)

// Result is what callers see: either data or a generic error message. The
// underlying failure is only logged.
type Result[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Err returns the failure message as an error, or nil on success.
func (r Result[T]) Err() error {
	if r.Success {
		return nil
	}
	return errors.New(r.Error)
}

func ok[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: data}
}

func failed[T any](msg string) Result[T] {
	return Result[T]{Error: msg}
}

// Engine answers a prompt with JSON that conforms to schema.
type Engine interface {
	Generate(ctx context.Context, prompt string, schema *genai.Schema) ([]byte, error)
}

// Bridge turns planner data into model prompts and model answers into
// planner data.
type Bridge struct {
	engine Engine
	logger *log.Logger
}

// NewBridge returns a Bridge backed by engine. A nil engine makes every call
// fail with the generic message.
func NewBridge(engine Engine, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Bridge{engine: engine, logger: logger}
}

// Available reports whether a model is configured.
func (b *Bridge) Available() bool {
	return b.engine != nil
}

type suggestOutput struct {
	SuggestedTasks *[]string `json:"suggestedTasks"`
}

type summaryOutput struct {
	Summary *string `json:"summary"`
}

var suggestSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"suggestedTasks": {
			Type:        genai.TypeArray,
			Description: "An array of suggested tasks for the given day.",
			Items:       &genai.Schema{Type: genai.TypeString},
		},
	},
	Required: []string{"suggestedTasks"},
}

var summarySchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"summary": {
			Type:        genai.TypeString,
			Description: "A summary of the week, highlighting accomplishments and areas for improvement.",
		},
	},
	Required: []string{"summary"},
}

// SuggestTasks asks the model for tasks that fit day, given the text of the
// user's recent tasks.
func (b *Bridge) SuggestTasks(ctx context.Context, day domain.Day, corpus []string) Result[[]string] {
	out, err := b.suggest(ctx, day, corpus)
	if err != nil {
		b.logger.WithError(err).WithField("day", day).Error("assist: suggest tasks")
		return failed[[]string](suggestFailure)
	}
	return ok(out)
}

func (b *Bridge) suggest(ctx context.Context, day domain.Day, corpus []string) ([]string, error) {
	if !day.Valid() {
		return nil, fmt.Errorf("%w %q", ErrInvalidDay, day)
	}
	if b.engine == nil {
		return nil, ErrNoEngine
	}
	prompt, err := render(suggestPrompt, suggestInput{Day: day, PastTasks: corpus})
	if err != nil {
		return nil, err
	}
	raw, err := b.engine.Generate(ctx, prompt, suggestSchema)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	var out suggestOutput
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode answer: %w", err)
	}
	if out.SuggestedTasks == nil {
		return nil, errors.New("answer has no suggestedTasks")
	}
	suggestions := make([]string, 0, len(*out.SuggestedTasks))
	for _, s := range *out.SuggestedTasks {
		if s = strings.TrimSpace(s); s != "" {
			suggestions = append(suggestions, s)
		}
	}
	return suggestions, nil
}

// SummarizeWeek asks the model to summarize the week from the completed and
// incomplete task texts. Callers are expected to skip the call when both
// lists are empty.
func (b *Bridge) SummarizeWeek(ctx context.Context, completed, incomplete []string) Result[string] {
	out, err := b.summarize(ctx, completed, incomplete)
	if err != nil {
		b.logger.WithError(err).WithFields(log.Fields{
			"completed":  len(completed),
			"incomplete": len(incomplete),
		}).Error("assist: summarize week")
		return failed[string](summaryFailure)
	}
	return ok(out)
}

func (b *Bridge) summarize(ctx context.Context, completed, incomplete []string) (string, error) {
	if b.engine == nil {
		return "", ErrNoEngine
	}
	prompt, err := render(summaryPrompt, summaryInput{Completed: completed, Incomplete: incomplete})
	if err != nil {
		return "", err
	}
	raw, err := b.engine.Generate(ctx, prompt, summarySchema)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	var out summaryOutput
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode answer: %w", err)
	}
	if out.Summary == nil {
		return "", errors.New("answer has no summary")
	}
	return *out.Summary, nil
}

// Pick returns one suggestion chosen uniformly with rng, or false when there
// is nothing to pick. A nil rng uses the global source.
func Pick(rng *rand.Rand, suggestions []string) (string, bool) {
	if len(suggestions) == 0 {
		return "", false
	}
	var i int
	if rng == nil {
		i = rand.IntN(len(suggestions))
	} else {
		i = rng.IntN(len(suggestions))
	}
	return suggestions[i], true
}
