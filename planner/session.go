package planner

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/wowowow-64/weekwise/backend"
	"github.com/wowowow-64/weekwise/domain"
)

// SessionState is the signed-in user, if any, and whether it is still being
// determined.
type SessionState struct {
	User    *domain.User `json:"user"`
	Loading bool         `json:"loading"`
}

// Session tracks who is signed in. It starts loading and settles once the
// backend reports the initial auth state, or immediately when the backend
// cannot be initialized.
type Session struct {
	manager *backend.Manager
	logger  *log.Logger
	state   *Broadcast[SessionState]

	mu      sync.Mutex
	gen     int
	detach  func()
	closed  bool
	unreset func()
	wg      sync.WaitGroup
}

// NewSession creates a Session bound to manager. It restarts itself whenever
// the manager resets.
func NewSession(manager *backend.Manager, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &Session{
		manager: manager,
		logger:  logger,
		state:   NewBroadcast(SessionState{Loading: true}),
	}
	s.unreset = manager.OnReset(s.onReset)
	return s
}

// Start initializes the backend and follows the auth state.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	if !s.manager.Initialize(ctx) {
		s.set(gen, SessionState{})
		return
	}
	client, err := s.manager.AuthClient()
	if err != nil {
		s.logger.WithError(err).Warn("session: auth client unavailable")
		s.set(gen, SessionState{})
		return
	}
	detach := client.OnAuthStateChanged(func(u *domain.User) {
		s.set(gen, SessionState{User: u})
	})

	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		detach()
		return
	}
	s.detach = detach
	s.mu.Unlock()
}

func (s *Session) set(gen int, st SessionState) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	version := s.state.stage(st)
	s.mu.Unlock()
	s.state.flush(version)
}

// Restart drops the current auth listener, reports loading again and runs
// Start.
func (s *Session) Restart(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.gen++
	detach := s.detach
	s.detach = nil
	version := s.state.stage(SessionState{Loading: true})
	s.mu.Unlock()

	if detach != nil {
		detach()
	}
	s.state.flush(version)
	s.logger.Debug("session: restarting")
	s.Start(ctx)
}

func (s *Session) onReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Restart(context.Background())
	}()
}

// State returns the current session state.
func (s *Session) State() SessionState {
	return s.state.Load()
}

// Subscribe registers fn for session changes.
func (s *Session) Subscribe(fn func(SessionState)) (unsubscribe func()) {
	return s.state.Subscribe(fn)
}

// Wait blocks until the session is no longer loading or ctx ends.
func (s *Session) Wait(ctx context.Context) (SessionState, error) {
	ch := make(chan SessionState, 1)
	unsubscribe := s.state.Subscribe(func(st SessionState) {
		if st.Loading {
			return
		}
		select {
		case ch <- st:
		default:
		}
	})
	defer unsubscribe()

	if st := s.State(); !st.Loading {
		return st, nil
	}
	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}
}

// Close detaches from the backend. Pending restarts finish first.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	detach := s.detach
	s.detach = nil
	s.mu.Unlock()

	s.unreset()
	s.wg.Wait()
	if detach != nil {
		detach()
	}
}

type sessionKey struct{}

// WithSession returns a context carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the Session carried by ctx. It panics when ctx
// was not derived from WithSession, which is a wiring mistake.
func SessionFromContext(ctx context.Context) *Session {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	if !ok || s == nil {
		panic("planner.SessionFromContext: no session in context; wrap the handler chain with planner.WithSession")
	}
	return s
}
