package planner

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/wowowow-64/weekwise/backend"
)

// watchFunc opens a store subscription for uid. apply folds a snapshot into
// the view; fail reports that the subscription broke.
type watchFunc[V any] func(ctx context.Context, store backend.DocumentStore, uid string, apply func(func(V) V), fail func(error)) (stop func())

// mirror keeps a local view of one remote collection for whoever is signed
// in. Every session change tears down the previous subscription; snapshots
// that arrive for a torn-down subscription are dropped by generation.
type mirror[V any] struct {
	logger  *log.Entry
	manager *backend.Manager
	empty   func() V
	watch   watchFunc[V]
	// publish stages the view on the container's broadcast and returns the
	// flush to run once the lock is released.
	publish func(view V, loading bool) (flush func())

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	gen         int
	started     bool
	uid         string
	stop        func()
	view        V
	unsubscribe func()
}

func (m *mirror[V]) init(session *Session) {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.view = m.empty()
	m.unsubscribe = session.Subscribe(m.follow)
	m.follow(session.State())
}

func (m *mirror[V]) follow(st SessionState) {
	uid := ""
	if st.User != nil {
		uid = st.User.ID
	}

	m.mu.Lock()
	if m.ctx.Err() != nil || (m.started && uid == m.uid) {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.gen++
	gen := m.gen
	old := m.stop
	m.stop = nil
	m.uid = uid
	m.view = m.empty()
	flush := m.publish(m.view, uid != "")
	m.mu.Unlock()

	if old != nil {
		old()
	}
	flush()
	if uid == "" {
		return
	}

	store, err := m.manager.DocumentStore()
	if err != nil {
		m.failer(gen)(err)
		return
	}
	stop := m.watch(m.ctx, store, uid, m.applier(gen), m.failer(gen))

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		stop()
		return
	}
	m.stop = stop
	m.mu.Unlock()
}

func (m *mirror[V]) applier(gen int) func(func(V) V) {
	return func(fn func(V) V) {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.view = fn(m.view)
		flush := m.publish(m.view, false)
		m.mu.Unlock()
		flush()
	}
}

func (m *mirror[V]) failer(gen int) func(error) {
	return func(err error) {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.logger.WithError(err).WithField("user", m.uid).Error("subscription failed")
		m.view = m.empty()
		flush := m.publish(m.view, false)
		m.mu.Unlock()
		flush()
	}
}

// user returns the uid the mirror follows, or "" when nobody is signed in.
func (m *mirror[V]) user() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uid
}

// current returns the view under the lock; callers must not modify it.
func (m *mirror[V]) current() V {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view
}

func (m *mirror[V]) close() {
	m.unsubscribe()
	m.mu.Lock()
	m.cancel()
	m.gen++
	old := m.stop
	m.stop = nil
	m.mu.Unlock()
	if old != nil {
		old()
	}
}
