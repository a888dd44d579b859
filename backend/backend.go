package backend

import (
	"context"
	"errors"
	"time"

	"github.com/wowowow-64/weekwise/domain"
)

// ErrNotInitialized is returned by accessors called before Initialize succeeded.
var ErrNotInitialized = errors.New("backend not initialized; call Initialize and check its result first")

// AuthClient reports who is signed in and lets callers sign in or out.
type AuthClient interface {
	// OnAuthStateChanged registers fn for every change of the signed-in user.
	// Once the initial state is known, a newly registered fn is called with it.
	OnAuthStateChanged(fn func(*domain.User)) (unsubscribe func())
	CurrentUser() *domain.User
	SignInWithToken(ctx context.Context, token string) (*domain.User, error)
	// VerifyToken checks a token without changing who is signed in.
	VerifyToken(ctx context.Context, token string) (*domain.User, error)
	SignOut(ctx context.Context) error
}

// DocumentStore is the per-user remote store of tasks and notes.
type DocumentStore interface {
	// WatchTasks delivers a full snapshot of tasks created at or after since,
	// followed by incremental changes, until stop is called or ctx ends.
	WatchTasks(ctx context.Context, uid string, since time.Time, onSnapshot func(domain.TaskSnapshot), onError func(error)) (stop func())
	AddTask(ctx context.Context, uid string, day domain.Day, text string) (domain.Task, error)
	UpdateTask(ctx context.Context, uid, id string, patch domain.TaskPatch) error
	DeleteTask(ctx context.Context, uid, id string) error

	WatchNotes(ctx context.Context, uid string, onSnapshot func(domain.NoteSnapshot), onError func(error)) (stop func())
	SetNote(ctx context.Context, uid string, day domain.Day, content string) error

	// EnableOfflinePersistence keeps the last snapshots locally so watches
	// can start while the remote store is unreachable.
	EnableOfflinePersistence(ctx context.Context) error
	Close() error
}

// Connection bundles the live clients built from one configuration.
type Connection struct {
	Auth  AuthClient
	Store DocumentStore
	// OnClose releases resources owned by the auth client.
	OnClose func()
}

// Close releases the connection.
func (c *Connection) Close() error {
	if c == nil {
		return nil
	}
	var err error
	if c.Store != nil {
		err = c.Store.Close()
	}
	if c.OnClose != nil {
		c.OnClose()
	}
	return err
}

// Dialer builds a connection from a usable configuration.
type Dialer func(ctx context.Context, cfg Config) (*Connection, error)
