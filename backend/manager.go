package backend

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/wowowow-64/weekwise/prefs"
)

// State is the lifecycle position of a Manager.
type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Manager owns the single live backend connection of the process. It is
// created by the composition root and handed to the code that needs it.
type Manager struct {
	prefs      *prefs.Store
	deployment Config
	dial       Dialer
	logger     *log.Logger

	initMu sync.Mutex

	mu        sync.Mutex
	state     State
	conn      *Connection
	token     string
	listeners map[int]func()
	nextID    int

	unsubscribe func()
}

// NewManager creates a Manager reading the user's configuration from store and
// falling back to deployment. It resets itself whenever the stored
// configuration changes.
func NewManager(store *prefs.Store, deployment Config, dial Dialer, logger *log.Logger) *Manager {
	if dial == nil {
		panic("backend.NewManager: dialer is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	m := &Manager{
		prefs:      store,
		deployment: deployment,
		dial:       dial,
		logger:     logger,
		listeners:  make(map[int]func()),
	}
	m.unsubscribe = store.Subscribe(ConfigKey, m.configChanged)
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Initialize establishes the connection if it is not already live. It never
// panics or returns an error: false means there is no usable configuration or
// the connection could not be built, and a later call may retry.
func (m *Manager) Initialize(ctx context.Context) bool {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	if m.State() == Ready {
		return true
	}

	cfg, token, ok := m.resolveConfig()
	if !ok {
		m.logger.Info("backend: no usable configuration")
		m.setState(Uninitialized, nil, "")
		return false
	}

	m.setState(Initializing, nil, "")
	conn, err := m.dial(ctx, cfg)
	if err != nil {
		m.logger.WithError(err).WithField("project", cfg.ProjectID).Error("backend: connection failed")
		if conn != nil {
			_ = conn.Close()
		}
		m.setState(Failed, nil, "")
		return false
	}

	if err := conn.Store.EnableOfflinePersistence(ctx); err != nil {
		m.logger.WithError(err).Warn("backend: offline persistence unavailable")
	}

	m.setState(Ready, conn, token)
	m.logger.WithField("project", cfg.ProjectID).Info("backend: ready")
	return true
}

func (m *Manager) resolveConfig() (Config, string, bool) {
	if token, ok := m.prefs.Raw(ConfigKey); ok && token != "" {
		cfg, err := decodeStored(token)
		switch {
		case err != nil:
			m.logger.WithError(err).Warn("backend: discarding unreadable stored configuration")
			m.mu.Lock()
			m.token = ""
			m.mu.Unlock()
			_ = m.prefs.Remove(ConfigKey)
		case cfg.Usable():
			return cfg, token, true
		default:
			m.logger.Debug("backend: stored configuration is not usable")
		}
	}
	if m.deployment.Usable() {
		return m.deployment, "", true
	}
	return Config{}, "", false
}

func (m *Manager) setState(s State, conn *Connection, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	m.conn = conn
	if conn != nil {
		m.token = token
	}
}

// AuthClient returns the live auth client.
func (m *Manager) AuthClient() (AuthClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Ready {
		return nil, ErrNotInitialized
	}
	return m.conn.Auth, nil
}

// DocumentStore returns the live document store.
func (m *Manager) DocumentStore() (DocumentStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Ready {
		return nil, ErrNotInitialized
	}
	return m.conn.Store, nil
}

// OnReset registers fn to run after a live connection is torn down.
func (m *Manager) OnReset(fn func()) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Reset closes the live connection, if any, so the next Initialize builds a
// new one from the current configuration. OnReset listeners run only when a
// live connection was torn down.
func (m *Manager) Reset() {
	m.reset(false)
}

func (m *Manager) reset(always bool) {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.state = Uninitialized
	var fns []func()
	if conn != nil || always {
		for _, fn := range m.listeners {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.WithError(err).Warn("backend: closing connection")
		}
		m.logger.Info("backend: connection reset")
	}
	for _, fn := range fns {
		fn()
	}
}

// configChanged runs when the stored configuration is rewritten, by this
// process or another one.
func (m *Manager) configChanged() {
	token, _ := m.prefs.Raw(ConfigKey)
	m.mu.Lock()
	same := token == m.token
	m.token = token
	m.mu.Unlock()
	if same {
		return
	}
	m.reset(true)
}

// Close tears down the connection and stops following configuration changes.
func (m *Manager) Close() {
	m.unsubscribe()
	m.Reset()
}
