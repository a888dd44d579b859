package api

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/genai"

	"github.com/wowowow-64/weekwise/assist"
	"github.com/wowowow-64/weekwise/auth"
	"github.com/wowowow-64/weekwise/backend"
	"github.com/wowowow-64/weekwise/domain"
	"github.com/wowowow-64/weekwise/planner"
	"github.com/wowowow-64/weekwise/prefs"
	"github.com/wowowow-64/weekwise/storage"
)

const testSecret = "api-test-secret"

type fakeEngine struct {
	mu     sync.Mutex
	answer string
	err    error
	calls  int
}

func (f *fakeEngine) Generate(context.Context, string, *genai.Schema) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.answer), nil
}

func (f *fakeEngine) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testEnv struct {
	e       *echo.Echo
	manager *backend.Manager
	prefs   *prefs.Store
	session *planner.Session
	tasks   *planner.Tasks
	notes   *planner.Notes
	engine  *fakeEngine
	hook    *test.Hook
	// token is sent as the bearer token once signIn succeeded.
	token string
}

// newTestEnv wires the production dialer against the in-memory store and
// local token verification.
func newTestEnv(t *testing.T, deployment backend.Config) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, deployment, nil)
}

// newTestEnvWithStore is newTestEnv with the dialed document store passed
// through wrap.
func newTestEnvWithStore(t *testing.T, deployment backend.Config, wrap func(backend.DocumentStore) backend.DocumentStore) *testEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("WEEKWISE_STORE", "memory")
	t.Setenv("WEEKWISE_OFFLINE_PATH", filepath.Join(dir, "offline.sqlite"))
	t.Setenv("LOCAL_AUTH_MODE", "hs256")
	t.Setenv("LOCAL_AUTH_SHARED_SECRET", testSecret)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	p, err := prefs.Open(filepath.Join(dir, "prefs.json"))
	if err != nil {
		t.Fatalf("open prefs: %v", err)
	}
	env := &testEnv{e: echo.New(), prefs: p, engine: &fakeEngine{}, hook: hook}
	dial := storage.NewDialer(p, logger)
	if wrap != nil {
		inner := dial
		dial = func(ctx context.Context, cfg backend.Config) (*backend.Connection, error) {
			conn, err := inner(ctx, cfg)
			if err == nil {
				conn.Store = wrap(conn.Store)
			}
			return conn, err
		}
	}
	env.manager = backend.NewManager(p, deployment, dial, logger)
	env.session = planner.NewSession(env.manager, logger)
	env.tasks = planner.NewTasks(env.session, env.manager, logger)
	env.notes = planner.NewNotes(env.session, env.manager, logger)
	Register(env.e, Deps{
		Manager:     env.manager,
		Prefs:       p,
		Session:     env.session,
		Tasks:       env.tasks,
		Notes:       env.notes,
		Bridge:      assist.NewBridge(env.engine, logger),
		Logger:      logger,
		Rand:        rand.New(rand.NewPCG(7, 7)),
		SessionWait: 2 * time.Second,
	})
	t.Cleanup(func() {
		env.tasks.Close()
		env.notes.Close()
		env.session.Close()
		env.manager.Close()
		_ = p.Close()
	})
	env.session.Start(context.Background())
	return env
}

var deployed = backend.Config{APIKey: "key", ProjectID: "weekwise-test"}

func newRequest(method, path, body, token string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	return req
}

func (env *testEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return env.serve(newRequest(method, path, body, env.token))
}

func signToken(t *testing.T, user domain.User) string {
	t.Helper()
	token, err := auth.SignLocal([]byte(testSecret), user, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (env *testEnv) signIn(t *testing.T, user domain.User) {
	t.Helper()
	token := signToken(t, user)
	rec := env.do(t, http.MethodPost, "/login", `{"idToken":"`+token+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	env.token = token
	eventually(t, "session user", func() bool {
		st := env.session.State()
		return st.User != nil && st.User.ID == user.ID
	})
	eventually(t, "tasks loaded", func() bool { return !env.tasks.State().Loading })
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := sonic.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (env *testEnv) mondayTasks(t *testing.T) []domain.Task {
	t.Helper()
	rec := env.do(t, http.MethodGet, "/api/tasks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list tasks: %d", rec.Code)
	}
	return decode[planner.TasksState](t, rec).Tasks[domain.Monday]
}

var ada = domain.User{ID: "ada", DisplayName: "Ada Lovelace", Email: "ada@example.com"}

func TestRootRedirectsToSetupWithoutConfig(t *testing.T) {
	env := newTestEnv(t, backend.Config{})

	rec := env.do(t, http.MethodGet, "/", "")
	if rec.Code != http.StatusSeeOther || rec.Header().Get(echo.HeaderLocation) != "/setup" {
		t.Fatalf("expected redirect to /setup, got %d %q", rec.Code, rec.Header().Get(echo.HeaderLocation))
	}
	setup := decode[setupResponse](t, env.do(t, http.MethodGet, "/setup", ""))
	if setup.Configured || setup.ProjectID != "" {
		t.Fatalf("unexpected setup state: %+v", setup)
	}
}

func TestSetupThenLogin(t *testing.T) {
	env := newTestEnv(t, backend.Config{})

	script := `{"script":"const firebaseConfig = { apiKey: \"abc\", projectId: \"week-1\", authDomain: \"\" };"}`
	rec := env.do(t, http.MethodPost, "/setup", script)
	if rec.Code != http.StatusOK {
		t.Fatalf("setup: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[setupResponse](t, rec); !got.Configured || got.ProjectID != "week-1" {
		t.Fatalf("unexpected setup response: %+v", got)
	}
	if strings.Contains(env.do(t, http.MethodGet, "/setup", "").Body.String(), "abc") {
		t.Fatalf("setup state must not expose the api key")
	}

	eventually(t, "backend ready", func() bool { return env.manager.State() == backend.Ready })
	rec = env.do(t, http.MethodGet, "/", "")
	if rec.Header().Get(echo.HeaderLocation) != "/login" {
		t.Fatalf("expected redirect to /login, got %d %q", rec.Code, rec.Header().Get(echo.HeaderLocation))
	}

	env.signIn(t, ada)
	rec = env.do(t, http.MethodGet, "/", "")
	if rec.Header().Get(echo.HeaderLocation) != "/planner" {
		t.Fatalf("expected redirect to /planner, got %q", rec.Header().Get(echo.HeaderLocation))
	}
	got := decode[plannerResponse](t, env.do(t, http.MethodGet, "/planner", ""))
	if got.User == nil || got.User.Email != ada.Email || len(got.Tasks.Tasks) != len(domain.Days) {
		t.Fatalf("unexpected planner payload: %+v", got)
	}
}

func TestSetupRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, backend.Config{})
	for _, body := range []string{"hello there", `{"apiKey":"only-a-key"}`, `{"script":"apiKey: 'k'"}`} {
		rec := env.do(t, http.MethodPost, "/setup", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%q: expected 400, got %d", body, rec.Code)
		}
		if decode[errorResponse](t, rec).Error == "" {
			t.Fatalf("%q: expected an error message", body)
		}
	}
	if env.manager.State() == backend.Ready {
		t.Fatalf("rejected input must not configure the backend")
	}
}

func TestLoginRejectsInvalidToken(t *testing.T) {
	env := newTestEnv(t, deployed)
	if _, err := env.session.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	bad, err := auth.SignLocal([]byte("other-secret"), ada, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if rec := env.do(t, http.MethodPost, "/login", `{"idToken":"`+bad+`"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/login", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a token, got %d", rec.Code)
	}
	if st := decode[planner.SessionState](t, env.do(t, http.MethodGet, "/login", "")); st.User != nil {
		t.Fatalf("expected nobody signed in, got %+v", st.User)
	}
}

func TestRoutesRequireUser(t *testing.T) {
	env := newTestEnv(t, deployed)
	if _, err := env.session.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	routes := []struct{ method, path, body string }{
		{http.MethodGet, "/planner", ""},
		{http.MethodGet, "/api/tasks", ""},
		{http.MethodPost, "/api/tasks", `{"day":"Monday","text":"x"}`},
		{http.MethodPost, "/api/tasks/abc/toggle", `{"day":"Monday"}`},
		{http.MethodDelete, "/api/tasks/abc", ""},
		{http.MethodPut, "/api/notes/Monday", `{"content":"x"}`},
		{http.MethodPost, "/api/suggest", `{"day":"Monday"}`},
		{http.MethodPost, "/api/summary", ""},
	}
	for _, r := range routes {
		if rec := env.do(t, r.method, r.path, r.body); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", r.method, r.path, rec.Code)
		}
	}
	if env.engine.Calls() != 0 {
		t.Fatalf("model must not be called without a user")
	}
}

func TestRoutesRequireSignedInUsersToken(t *testing.T) {
	env := newTestEnv(t, deployed)
	env.signIn(t, ada)
	grace := signToken(t, domain.User{ID: "grace"})

	cases := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{"no token", newRequest(http.MethodGet, "/planner", "", ""), http.StatusUnauthorized},
		{"forged token", newRequest(http.MethodGet, "/api/tasks", "", "a.b.c"), http.StatusUnauthorized},
		{"other user", newRequest(http.MethodGet, "/api/notes", "", grace), http.StatusForbidden},
		{"setup while signed in", newRequest(http.MethodPost, "/setup", `{"apiKey":"k","projectId":"attacker"}`, ""), http.StatusUnauthorized},
		{"logout without token", newRequest(http.MethodPost, "/logout", "", ""), http.StatusUnauthorized},
		{"stream token only on stream", newRequest(http.MethodGet, "/api/tasks?token="+env.token, "", ""), http.StatusUnauthorized},
		{"signed-in user", newRequest(http.MethodGet, "/planner", "", env.token), http.StatusOK},
	}
	for _, tc := range cases {
		if rec := env.serve(tc.req); rec.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d: %s", tc.name, tc.status, rec.Code, rec.Body.String())
		}
	}
	if setup := decode[setupResponse](t, env.do(t, http.MethodGet, "/setup", "")); setup.Configured {
		t.Fatalf("setup was changed by an unauthenticated request: %+v", setup)
	}
}

func TestOriginMiddlewareRejectsForeignWrites(t *testing.T) {
	env := newTestEnv(t, deployed)
	env.signIn(t, ada)

	req := newRequest(http.MethodPost, "/api/tasks", `{"day":"Monday","text":"from evil"}`, env.token)
	req.Header.Set(echo.HeaderOrigin, "https://evil.example")
	if rec := env.serve(req); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a foreign origin, got %d", rec.Code)
	}
	req = newRequest(http.MethodPost, "/setup", `{"apiKey":"k","projectId":"attacker"}`, "")
	req.Header.Set(echo.HeaderOrigin, "https://evil.example")
	if rec := env.serve(req); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a foreign setup, got %d", rec.Code)
	}

	req = newRequest(http.MethodPost, "/api/tasks", `{"day":"Monday","text":"same origin"}`, env.token)
	req.Header.Set(echo.HeaderOrigin, "http://"+req.Host)
	if rec := env.serve(req); rec.Code != http.StatusAccepted {
		t.Fatalf("expected same-origin write to pass, got %d: %s", rec.Code, rec.Body.String())
	}
	eventually(t, "same-origin task", func() bool { return len(env.mondayTasks(t)) == 1 })
	if got := env.mondayTasks(t)[0].Text; got != "same origin" {
		t.Fatalf("foreign write reached the store: %q", got)
	}

	e := echo.New()
	e.Use(OriginMiddleware([]string{"https://app.example/"}))
	e.POST("/w", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	req = httptest.NewRequest(http.MethodPost, "/w", nil)
	req.Header.Set(echo.HeaderOrigin, "https://app.example")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected listed origin to pass, got %d", rec.Code)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, deployed)
	env.signIn(t, ada)

	if rec := env.do(t, http.MethodPost, "/api/tasks", `{"day":"Monday","text":"  Buy milk "}`); rec.Code != http.StatusAccepted {
		t.Fatalf("add: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var id string
	eventually(t, "task added", func() bool {
		ts := env.mondayTasks(t)
		if len(ts) == 1 && ts[0].Text == "Buy milk" && !ts[0].Completed {
			id = ts[0].ID
			return true
		}
		return false
	})

	if rec := env.do(t, http.MethodPost, "/api/tasks/"+id+"/toggle", `{"day":"Monday"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("toggle: expected 202, got %d", rec.Code)
	}
	eventually(t, "task completed", func() bool {
		ts := env.mondayTasks(t)
		return len(ts) == 1 && ts[0].Completed
	})

	if rec := env.do(t, http.MethodPatch, "/api/tasks/"+id, `{"day":"Monday","text":"Buy oat milk"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("update: expected 202, got %d", rec.Code)
	}
	eventually(t, "task renamed", func() bool {
		ts := env.mondayTasks(t)
		return len(ts) == 1 && ts[0].Text == "Buy oat milk" && ts[0].Completed
	})

	if rec := env.do(t, http.MethodDelete, "/api/tasks/"+id+"?day=Monday", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("delete: expected 202, got %d", rec.Code)
	}
	eventually(t, "task deleted", func() bool { return len(env.mondayTasks(t)) == 0 })
}

func TestImportLegacyOverHTTP(t *testing.T) {
	env := newTestEnv(t, deployed)
	env.signIn(t, ada)
	legacy := domain.NewDayTasks()
	legacy[domain.Sunday] = []domain.Task{{ID: "old", Text: "Plan week", Day: domain.Sunday}}
	if err := env.prefs.Write(planner.LegacyTasksKey, legacy); err != nil {
		t.Fatalf("write legacy: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/tasks/import", "")
	if rec.Code != http.StatusOK || decode[importResponse](t, rec).Imported != 1 {
		t.Fatalf("expected one imported task, got %d %s", rec.Code, rec.Body.String())
	}
	eventually(t, "imported task", func() bool {
		sunday := env.tasks.State().Tasks[domain.Sunday]
		return len(sunday) == 1 && sunday[0].Text == "Plan week"
	})
}

func TestTaskValidation(t *testing.T) {
	env := newTestEnv(t, deployed)
	env.signIn(t, ada)

	cases := []struct{ method, path, body string }{
		{http.MethodPost, "/api/tasks", `{"day":"Someday","text":"x"}`},
		{http.MethodPost, "/api/tasks", `{"day":"Monday","text":"   "}`},
		{http.MethodPost, "/api/tasks", `{"day":"Monday","text":"x","extra":1}`},
		{http.MethodPost, "/api/tasks/abc/toggle", ""},
		{http.MethodPut, "/api/notes/Caturday", `{"content":"x"}`},
		{http.MethodPost, "/api/suggest", `{"day":"monday"}`},
	}
	for _, c := range cases {
		if rec := env.do(t, c.method, c.path, c.body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s %s %s: expected 400, got %d", c.method, c.path, c.body, rec.Code)
		}
	}
}

type rejectingStore struct {
	backend.DocumentStore
}

func (rejectingStore) AddTask(context.Context, string, domain.Day, string) (domain.Task, error) {
	return domain.Task{}, errors.New("permission denied")
}

func (rejectingStore) SetNote(context.Context, string, domain.Day, string) error {
	return errors.New("permission denied")
}

func TestRejectedWriteAnswersBadGateway(t *testing.T) {
	env := newTestEnvWithStore(t, deployed, func(s backend.DocumentStore) backend.DocumentStore { return rejectingStore{s} })
	env.signIn(t, ada)
	before := env.tasks.State()

	rec := env.do(t, http.MethodPost, "/api/tasks", `{"day":"Monday","text":"Buy milk"}`)
	if rec.Code != http.StatusBadGateway || decode[errorResponse](t, rec).Error != "Could not add the task." {
		t.Fatalf("expected 502 Could not add the task., got %d %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPut, "/api/notes/Monday", `{"content":"x"}`)
	if rec.Code != http.StatusBadGateway || decode[errorResponse](t, rec).Error != "Could not save the note." {
		t.Fatalf("expected 502 Could not save the note., got %d %s", rec.Code, rec.Body.String())
	}
	if after := env.tasks.State(); after.Tasks.Len() != before.Tasks.Len() || after.Loading != before.Loading {
		t.Fatalf("view changed after a rejected write: %+v", after)
	}
	var logged bool
	for _, entry := range env.hook.AllEntries() {
		if entry.Message == "Could not add the task." && entry.Level == log.ErrorLevel {
			logged = true
		}
	}
	if !logged {
		t.Fatalf("rejected write was not logged")
	}
}

func TestModelFailureRecordedOnSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	}()

	env := newTestEnv(t, deployed)
	env.signIn(t, ada)
	env.engine.err = errors.New("quota exceeded")
	exporter.Reset()

	if rec := env.do(t, http.MethodPost, "/api/suggest", `{"day":"Tuesday"}`); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var span *tracetest.SpanStub
	spans := exporter.GetSpans()
	for i := range spans {
		if spans[i].Name == "POST /api/suggest" {
			span = &spans[i]
		}
	}
	if span == nil {
		t.Fatalf("no span for the suggest request")
	}
	if span.Status.Code != codes.Error {
		t.Fatalf("expected error status, got %v", span.Status)
	}
	var recorded bool
	for _, ev := range span.Events {
		for _, kv := range ev.Attributes {
			if ev.Name == "exception" && kv.Key == errorStageKey && kv.Value.AsString() == "model" {
				recorded = true
			}
		}
	}
	if !recorded {
		t.Fatalf("model failure not recorded on span: %+v", span.Events)
	}
}

func TestNotesOverHTTP(t *testing.T) {
	env := newTestEnv(t, deployed)
	env.signIn(t, ada)

	if rec := env.do(t, http.MethodPut, "/api/notes/Friday", `{"content":"Pack for trip"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("put note: expected 202, got %d", rec.Code)
	}
	eventually(t, "note saved", func() bool {
		st := decode[planner.NotesState](t, env.do(t, http.MethodGet, "/api/notes", ""))
		n := st.Notes[domain.Friday]
		return n != nil && n.Content == "Pack for trip"
	})
}

func TestSummaryWithoutTasksSkipsModel(t *testing.T) {
	env := newTestEnv(t, deployed)
	env.signIn(t, ada)
	env.engine.answer = `{"summary":"Busy but productive."}`

	rec := env.do(t, http.MethodPost, "/api/summary", "")
	if rec.Code != http.StatusUnprocessableEntity || decode[errorResponse](t, rec).Error != "no tasks" {
		t.Fatalf("expected 422 no tasks, got %d %s", rec.Code, rec.Body.String())
	}
	if env.engine.Calls() != 0 {
		t.Fatalf("model was called for an empty week")
	}

	env.do(t, http.MethodPost, "/api/tasks", `{"day":"Wednesday","text":"Write report"}`)
	eventually(t, "task loaded", func() bool { return env.tasks.State().Tasks.Len() == 1 })
	rec = env.do(t, http.MethodPost, "/api/summary", "")
	if rec.Code != http.StatusOK || decode[summaryResponse](t, rec).Summary != "Busy but productive." {
		t.Fatalf("unexpected summary response %d %s", rec.Code, rec.Body.String())
	}
	if env.engine.Calls() != 1 {
		t.Fatalf("expected one model call, got %d", env.engine.Calls())
	}
}

func TestSuggestAddsOneSuggestion(t *testing.T) {
	env := newTestEnv(t, deployed)
	env.signIn(t, ada)
	env.engine.answer = `{"suggestedTasks":["Stretch"]}`

	rec := env.do(t, http.MethodPost, "/api/suggest", `{"day":"Tuesday"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("suggest: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[suggestResponse](t, rec); got.Suggestion != "Stretch" || got.Day != domain.Tuesday {
		t.Fatalf("unexpected suggestion %+v", got)
	}
	eventually(t, "suggestion added", func() bool {
		ts := env.tasks.State().Tasks[domain.Tuesday]
		return len(ts) == 1 && ts[0].Text == "Stretch"
	})
}

func TestSuggestFailuresAreGeneric(t *testing.T) {
	env := newTestEnv(t, deployed)
	env.signIn(t, ada)

	env.engine.err = errors.New("quota exceeded for project 1234")
	rec := env.do(t, http.MethodPost, "/api/suggest", `{"day":"Tuesday"}`)
	if rec.Code != http.StatusBadGateway || decode[errorResponse](t, rec).Error != "Failed to suggest tasks." {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	env.engine.err = nil
	env.engine.answer = `{"suggestedTasks":[]}`
	rec = env.do(t, http.MethodPost, "/api/suggest", `{"day":"Tuesday"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for an empty suggestion list, got %d", rec.Code)
	}
	if env.tasks.State().Tasks.Len() != 0 {
		t.Fatalf("failed suggestions must not add tasks")
	}
}

func TestLogoutClearsPlanner(t *testing.T) {
	env := newTestEnv(t, deployed)
	env.signIn(t, ada)

	if rec := env.do(t, http.MethodPost, "/logout", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("logout: expected 204, got %d", rec.Code)
	}
	eventually(t, "signed out", func() bool { return env.session.State().User == nil })
	if rec := env.do(t, http.MethodGet, "/planner", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec.Code)
	}
}

func TestStreamSendsStateAndUpdates(t *testing.T) {
	env := newTestEnv(t, deployed)
	env.signIn(t, ada)
	srv := httptest.NewServer(env.e)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream?token="+env.token, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := make(chan string, 32)
	go func() {
		defer close(events)
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
		var name string
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				events <- name + " " + strings.TrimPrefix(line, "data: ")
			}
		}
	}()

	next := func(want string) string {
		t.Helper()
		timeout := time.After(3 * time.Second)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					t.Fatalf("stream closed while waiting for %s", want)
				}
				if strings.HasPrefix(ev, want+" ") {
					return strings.TrimPrefix(ev, want+" ")
				}
			case <-timeout:
				t.Fatalf("timed out waiting for %s event", want)
			}
		}
	}
	if data := next(eventSession); !strings.Contains(data, `"id":"ada"`) {
		t.Fatalf("unexpected session event %s", data)
	}
	next(eventTasks)
	next(eventNotes)

	env.do(t, http.MethodPost, "/api/tasks", `{"day":"Monday","text":"Streamed"}`)
	for {
		if data := next(eventTasks); strings.Contains(data, "Streamed") {
			break
		}
	}
}

func TestRequestBodyMiddleware(t *testing.T) {
	e := echo.New()
	e.Use(RequestBodyMiddleware())
	e.POST("/echo", func(c echo.Context) error {
		var v map[string]string
		if err := decodeBody(c, &v); err != nil {
			return c.NoContent(http.StatusBadRequest)
		}
		return c.JSON(http.StatusOK, v)
	})

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(`{"day":"Monday"}`)); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/echo", &buf)
	req.Header.Set(echo.HeaderContentEncoding, "br, gzip")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Monday") {
		t.Fatalf("gzip body not decoded: %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("not gzip"))
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid gzip, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"k":"`+strings.Repeat("x", maxBodySize)+`"}`))
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected oversized body to be rejected, got %d", rec.Code)
	}
}

func TestMetricsMiddlewareRecordsSpanAndLog(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	}()

	logger, hook := test.NewNullLogger()
	e := echo.New()
	e.Use(MetricsMiddleware(logger))
	e.GET("/items/:id", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	e.GET("/broken", func(c echo.Context) error {
		failStage(c, "storage")
		return c.JSON(http.StatusBadGateway, errorResponse{Error: "down"})
	})

	for _, path := range []string{"/items/42", "/broken"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name != "GET /items/:id" {
		t.Fatalf("unexpected span name %q", spans[0].Name)
	}
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[1].Attributes {
		attrs[kv.Key] = kv.Value
	}
	if attrs["http.status_code"].AsInt64() != http.StatusBadGateway {
		t.Fatalf("unexpected status attribute %v", attrs["http.status_code"])
	}
	if attrs[errorStageKey].AsString() != "storage" {
		t.Fatalf("expected error stage on span, got %v", attrs[errorStageKey])
	}

	entries := hook.AllEntries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 metrics lines, got %d", len(entries))
	}
	first, second := entries[0], entries[1]
	if first.Message != metricsMessage || first.Level != log.InfoLevel || first.Data["route"] != "/items/:id" {
		t.Fatalf("unexpected metrics line %+v", first.Data)
	}
	if first.Data["trace_id"] == "" || first.Data["trace_id"] == nil {
		t.Fatalf("expected trace id in metrics line")
	}
	if second.Level != log.WarnLevel || second.Data["error_stage"] != "storage" || second.Data["status"] != http.StatusBadGateway {
		t.Fatalf("unexpected failure metrics line %+v", second.Data)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, deployed)
	if _, err := env.session.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	rec := env.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"backend":"ready"`) {
		t.Fatalf("unexpected healthz %d %s", rec.Code, rec.Body.String())
	}
}
