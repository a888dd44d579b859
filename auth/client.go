package auth

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/wowowow-64/weekwise/domain"
	"github.com/wowowow-64/weekwise/prefs"
)

// SessionKey is the preferences slot holding the signed-in user's token.
const SessionKey = "session"

// Client tracks the signed-in user. The token survives restarts in the
// preference store, and sign-in or sign-out in another process is picked up
// through the same store.
type Client struct {
	verifier *Verifier
	prefs    *prefs.Store
	logger   *log.Logger

	// notifyMu orders each state change with its notification, so listeners
	// see changes in the order they were made.
	notifyMu  sync.Mutex
	mu        sync.Mutex
	user      *domain.User
	token     string
	resolved  bool
	listeners map[int]func(*domain.User)
	nextID    int

	unsubscribe func()
	cancel      context.CancelFunc
	done        chan struct{}

	// afterRestore runs between reading the persisted session and applying
	// it. Tests use it to land a sign-in in that window.
	afterRestore func()
}

// NewClient creates a Client. Start must be called to restore the persisted
// session.
func NewClient(verifier *Verifier, store *prefs.Store, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Client{
		verifier:  verifier,
		prefs:     store,
		logger:    logger,
		listeners: make(map[int]func(*domain.User)),
		done:      make(chan struct{}),
	}
}

// Start restores the persisted session in the background. Listeners learn
// the outcome through OnAuthStateChanged.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	c.unsubscribe = c.prefs.Subscribe(SessionKey, c.sessionChanged)

	go func() {
		defer close(c.done)
		token := prefs.Read(c.prefs, SessionKey, "")
		user := c.restore(token)
		if c.afterRestore != nil {
			c.afterRestore()
		}
		c.resolve(ctx, user, token)
	}()
}

// resolve applies the restored session unless a sign-in or sign-out got
// there first.
func (c *Client) resolve(ctx context.Context, user *domain.User, token string) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.mu.Lock()
	if ctx.Err() != nil || c.resolved {
		c.mu.Unlock()
		return
	}
	fns := c.storeLocked(user, token)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(user)
	}
}

func (c *Client) restore(token string) *domain.User {
	if token == "" {
		return nil
	}
	user, err := c.verifier.Verify(token)
	if err != nil {
		c.logger.WithError(err).Info("auth: persisted session is no longer valid")
		_ = c.prefs.Remove(SessionKey)
		return nil
	}
	return user
}

// sessionChanged follows writes to the session slot, including those made by
// other processes.
func (c *Client) sessionChanged() {
	token := prefs.Read(c.prefs, SessionKey, "")
	c.mu.Lock()
	same := token == c.token
	c.mu.Unlock()
	if same {
		return
	}
	if token == "" {
		c.set(nil, "")
		return
	}
	user, err := c.verifier.Verify(token)
	if err != nil {
		c.logger.WithError(err).Warn("auth: ignoring invalid session written by another process")
		return
	}
	c.set(user, token)
}

func (c *Client) set(user *domain.User, token string) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.mu.Lock()
	fns := c.storeLocked(user, token)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(user)
	}
}

// storeLocked records the state and returns the listeners to tell. c.mu
// must be held.
func (c *Client) storeLocked(user *domain.User, token string) []func(*domain.User) {
	c.user = user
	c.token = token
	c.resolved = true
	fns := make([]func(*domain.User), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	return fns
}

// OnAuthStateChanged registers fn for every sign-in state change. If the
// state is already known fn is called with it right away.
func (c *Client) OnAuthStateChanged(fn func(*domain.User)) func() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	resolved, user := c.resolved, c.user
	c.mu.Unlock()

	if resolved {
		fn(user)
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// CurrentUser returns the signed-in user or nil.
func (c *Client) CurrentUser() *domain.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// SignInWithToken verifies an identity token and makes its subject the
// current user.
func (c *Client) SignInWithToken(_ context.Context, token string) (*domain.User, error) {
	user, err := c.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	if err := c.prefs.Write(SessionKey, token); err != nil {
		c.logger.WithError(err).Warn("auth: session will not survive a restart")
	}
	c.set(user, token)
	c.logger.WithField("user", user.ID).Info("auth: signed in")
	return user, nil
}

// VerifyToken checks token and returns the user it identifies. The signed-in
// user is left unchanged.
func (c *Client) VerifyToken(_ context.Context, token string) (*domain.User, error) {
	return c.verifier.Verify(token)
}

// SignOut forgets the current user.
func (c *Client) SignOut(context.Context) error {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	if err := c.prefs.Remove(SessionKey); err != nil {
		return err
	}
	c.set(nil, "")
	c.logger.Info("auth: signed out")
	return nil
}

// Close stops following the session slot and waits for the restore to end.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	<-c.done
}
