package api

import (
	"net/http"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"github.com/wowowow-64/weekwise/planner"
)

const (
	eventSession = "session"
	eventTasks   = "tasks"
	eventNotes   = "notes"
)

// streamEvents collects the latest state of each container for one SSE
// client. Intermediate states are coalesced; only the newest is written.
type streamEvents struct {
	mu      sync.Mutex
	pending map[string]any
	order   []string
	notify  chan struct{}
}

func newStreamEvents() *streamEvents {
	return &streamEvents{pending: make(map[string]any), notify: make(chan struct{}, 1)}
}

func (s *streamEvents) push(name string, value any) {
	s.mu.Lock()
	if _, queued := s.pending[name]; !queued {
		s.order = append(s.order, name)
	}
	s.pending[name] = value
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *streamEvents) drain() ([]string, map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, pending := s.order, s.pending
	s.order = nil
	s.pending = make(map[string]any)
	return order, pending
}

// stream pushes session, task and note state to the client as server-sent
// events until the client goes away.
func (h *handlers) stream(c echo.Context) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	flusher, ok := res.Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}

	events := newStreamEvents()
	sess := session(c)
	unsubs := []func(){
		sess.Subscribe(func(st planner.SessionState) { events.push(eventSession, st) }),
		h.tasks.Subscribe(func(st planner.TasksState) { events.push(eventTasks, st) }),
		h.notes.Subscribe(func(st planner.NotesState) { events.push(eventNotes, st) }),
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()
	// Current state goes first; anything published since subscribing is
	// newer and replaces it.
	initial := map[string]any{eventSession: sess.State(), eventTasks: h.tasks.State(), eventNotes: h.notes.State()}
	events.mu.Lock()
	for _, name := range []string{eventSession, eventTasks, eventNotes} {
		if _, queued := events.pending[name]; !queued {
			events.order = append(events.order, name)
			events.pending[name] = initial[name]
		}
	}
	events.mu.Unlock()

	res.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request().Context()
	for {
		order, pending := events.drain()
		for _, name := range order {
			data, err := sonic.Marshal(pending[name])
			if err != nil {
				h.logger.WithError(err).WithField("event", name).Error("stream: encode")
				return nil
			}
			if err := writeEvent(res, name, data); err != nil {
				return nil
			}
		}
		if len(order) > 0 {
			flusher.Flush()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-events.notify:
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, data []byte) error {
	for _, chunk := range [][]byte{[]byte("event: "), []byte(name), []byte("\ndata: "), data, []byte("\n\n")} {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}
