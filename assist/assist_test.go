package assist

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"google.golang.org/genai"

	"github.com/wowowow-64/weekwise/domain"
)

type fakeEngine struct {
	answer  string
	err     error
	prompts []string
	schemas []*genai.Schema
}

func (f *fakeEngine) Generate(_ context.Context, prompt string, schema *genai.Schema) ([]byte, error) {
	f.prompts = append(f.prompts, prompt)
	f.schemas = append(f.schemas, schema)
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.answer), nil
}

func quietLogger() (*log.Logger, *test.Hook) {
	return test.NewNullLogger()
}

func TestSuggestTasks(t *testing.T) {
	engine := &fakeEngine{answer: `{"suggestedTasks":["Gym"," ","Plan week"]}`}
	logger, _ := quietLogger()
	b := NewBridge(engine, logger)

	res := b.SuggestTasks(context.Background(), domain.Monday, []string{"Buy milk", "Call mom"})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if diff := cmp.Diff([]string{"Gym", "Plan week"}, res.Data); diff != "" {
		t.Fatalf("suggestions mismatch (-want +got):\n%s", diff)
	}
	if len(engine.prompts) != 1 {
		t.Fatalf("expected one prompt, got %d", len(engine.prompts))
	}
	prompt := engine.prompts[0]
	for _, want := range []string{"Day of the week: Monday", "- Buy milk", "- Call mom"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if engine.schemas[0] != suggestSchema {
		t.Fatalf("expected suggestion schema")
	}
}

func TestSuggestPromptWithoutPastTasks(t *testing.T) {
	engine := &fakeEngine{answer: `{"suggestedTasks":[]}`}
	b := NewBridge(engine, nil)

	res := b.SuggestTasks(context.Background(), domain.Sunday, nil)
	if !res.Success || len(res.Data) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(engine.prompts[0], "Past tasks: No past tasks") {
		t.Fatalf("prompt should say there are no past tasks:\n%s", engine.prompts[0])
	}
}

func TestSuggestTasksFailures(t *testing.T) {
	tests := []struct {
		name   string
		engine Engine
		day    domain.Day
		want   error
	}{
		{name: "invalid day", engine: &fakeEngine{answer: `{"suggestedTasks":["x"]}`}, day: "Funday", want: ErrInvalidDay},
		{name: "no engine", day: domain.Monday, want: ErrNoEngine},
		{name: "engine error", engine: &fakeEngine{err: errors.New("quota")}, day: domain.Monday},
		{name: "not json", engine: &fakeEngine{answer: "sure, here you go"}, day: domain.Monday},
		{name: "missing field", engine: &fakeEngine{answer: `{"tasks":["x"]}`}, day: domain.Monday},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, hook := quietLogger()
			b := NewBridge(tt.engine, logger)
			res := b.SuggestTasks(context.Background(), tt.day, nil)
			if res.Success || res.Error != "Failed to suggest tasks." || res.Data != nil {
				t.Fatalf("unexpected result %+v", res)
			}
			entry := hook.LastEntry()
			if entry == nil || entry.Level != log.ErrorLevel {
				t.Fatalf("expected the failure to be logged")
			}
			if tt.want != nil {
				err, _ := entry.Data[log.ErrorKey].(error)
				if !errors.Is(err, tt.want) {
					t.Fatalf("logged error = %v, want %v", err, tt.want)
				}
			}
		})
	}
}

func TestSummarizeWeek(t *testing.T) {
	engine := &fakeEngine{answer: `{"summary":"Solid week."}`}
	b := NewBridge(engine, nil)

	res := b.SummarizeWeek(context.Background(), []string{"Ship release"}, []string{"Dentist"})
	if !res.Success || res.Data != "Solid week." {
		t.Fatalf("unexpected result %+v", res)
	}
	prompt := engine.prompts[0]
	done := strings.Index(prompt, "- Ship release")
	todo := strings.Index(prompt, "- Dentist")
	incomplete := strings.Index(prompt, "Incomplete Tasks:")
	if done < 0 || todo < 0 || !(done < incomplete && incomplete < todo) {
		t.Fatalf("tasks not listed under the right headings:\n%s", prompt)
	}
	if !strings.HasSuffix(prompt, "Summary:") {
		t.Fatalf("prompt should end with the summary cue:\n%s", prompt)
	}
}

func TestSummarizeWeekFailure(t *testing.T) {
	logger, _ := quietLogger()
	for _, engine := range []Engine{nil, &fakeEngine{answer: `{}`}, &fakeEngine{err: context.DeadlineExceeded}} {
		res := NewBridge(engine, logger).SummarizeWeek(context.Background(), []string{"a"}, nil)
		if res.Success || res.Error != "Failed to generate summary." || res.Data != "" {
			t.Fatalf("unexpected result %+v", res)
		}
	}
}

func TestPick(t *testing.T) {
	if _, ok := Pick(nil, nil); ok {
		t.Fatalf("expected nothing to pick from an empty list")
	}
	suggestions := []string{"a", "b", "c"}
	rng := rand.New(rand.NewPCG(1, 2))
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		s, ok := Pick(rng, suggestions)
		if !ok {
			t.Fatalf("expected a pick")
		}
		seen[s] = true
	}
	if len(seen) != len(suggestions) {
		t.Fatalf("expected every suggestion to be picked eventually, got %v", seen)
	}
	if s, ok := Pick(nil, []string{"only"}); !ok || s != "only" {
		t.Fatalf("unexpected pick %q", s)
	}
}

func TestFromEnvWithoutKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	logger, hook := quietLogger()
	b := FromEnv(context.Background(), logger)
	if b.Available() {
		t.Fatalf("expected no engine without a key")
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != log.WarnLevel {
		t.Fatalf("expected a warning about the missing key")
	}
}
