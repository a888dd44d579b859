package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/wowowow-64/weekwise/domain"
)

var (
	// ErrNotFound is returned when a write targets a task that does not exist.
	ErrNotFound = errors.New("not found")
	errNoUser   = errors.New("user id is required")
)

// tables is the persistence half of a Store.
type tables interface {
	ListTasks(ctx context.Context, uid string, since time.Time) ([]domain.Task, error)
	InsertTask(ctx context.Context, uid string, t domain.Task) error
	// MergeTask and UpsertNote bump the record version in the same step as
	// the write and return the record as stored.
	MergeTask(ctx context.Context, uid, id string, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, uid, id string) error
	ListNotes(ctx context.Context, uid string) ([]domain.Note, error)
	UpsertNote(ctx context.Context, uid string, n domain.Note) (domain.Note, error)
}

// Store is the per-user document store: records live in tables, and every
// write is announced on the change feed so watchers see it.
type Store struct {
	tables tables
	feed   Feed
	logger *log.Logger
	now    func() time.Time

	offlinePath string
	mu          sync.Mutex
	offline     *Offline
}

// Option customizes a Store.
type Option func(*Store)

// WithOfflinePath sets where EnableOfflinePersistence keeps its cache.
func WithOfflinePath(path string) Option {
	return func(s *Store) { s.offlinePath = path }
}

// WithLogger sets the logger used for background failures.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func newStore(t tables, feed Feed, opts ...Option) *Store {
	s := &Store{
		tables: t,
		feed:   feed,
		logger: log.StandardLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddTask creates a task on day. The stored record is returned and published.
func (s *Store) AddTask(ctx context.Context, uid string, day domain.Day, text string) (domain.Task, error) {
	if uid == "" {
		return domain.Task{}, errNoUser
	}
	if !day.Valid() {
		return domain.Task{}, fmt.Errorf("invalid day %q", day)
	}
	t := domain.Task{
		ID:        uuid.NewString(),
		Text:      text,
		Day:       day,
		CreatedAt: time.Unix(0, s.now().UnixNano()).UTC(),
		Version:   1,
	}
	if err := s.tables.InsertTask(ctx, uid, t); err != nil {
		return domain.Task{}, fmt.Errorf("add task: %w", err)
	}
	s.publish(ctx, domain.ChangeEvent{EntityType: domain.EntityTask, Type: domain.TaskCreated, UserID: uid, EntityID: t.ID, Task: &t})
	return t, nil
}

// UpdateTask merges patch into an existing task.
func (s *Store) UpdateTask(ctx context.Context, uid, id string, patch domain.TaskPatch) error {
	if uid == "" {
		return errNoUser
	}
	if patch.Empty() {
		return nil
	}
	t, err := s.tables.MergeTask(ctx, uid, id, patch)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	s.publish(ctx, domain.ChangeEvent{EntityType: domain.EntityTask, Type: domain.TaskUpdated, UserID: uid, EntityID: id, Task: &t})
	return nil
}

// DeleteTask removes a task. Deleting a missing task succeeds.
func (s *Store) DeleteTask(ctx context.Context, uid, id string) error {
	if uid == "" {
		return errNoUser
	}
	if err := s.tables.DeleteTask(ctx, uid, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	s.publish(ctx, domain.ChangeEvent{EntityType: domain.EntityTask, Type: domain.TaskDeleted, UserID: uid, EntityID: id})
	return nil
}

// SetNote creates or replaces the note of day.
func (s *Store) SetNote(ctx context.Context, uid string, day domain.Day, content string) error {
	if uid == "" {
		return errNoUser
	}
	if !day.Valid() {
		return fmt.Errorf("invalid day %q", day)
	}
	n, err := s.tables.UpsertNote(ctx, uid, domain.Note{ID: day, Content: content, UpdatedAt: time.Unix(0, s.now().UnixNano()).UTC()})
	if err != nil {
		return fmt.Errorf("set note %s: %w", day, err)
	}
	s.publish(ctx, domain.ChangeEvent{EntityType: domain.EntityNote, Type: domain.NoteUpdated, UserID: uid, EntityID: string(day), Note: &n})
	return nil
}

func (s *Store) publish(ctx context.Context, ev domain.ChangeEvent) {
	ev.Time = s.now().UnixNano()
	if err := s.feed.Publish(ctx, ev); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"user":   ev.UserID,
			"entity": ev.EntityID,
			"type":   ev.Type,
		}).Error("storage: unable to publish change")
	}
}

// EnableOfflinePersistence opens the local snapshot cache. A second process
// sharing the cache file gets an error and continues without it.
func (s *Store) EnableOfflinePersistence(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline != nil {
		return nil
	}
	path := s.offlinePath
	if path == "" {
		var err error
		if path, err = DefaultOfflinePath(); err != nil {
			return err
		}
	}
	off, err := OpenOffline(ctx, path)
	if err != nil {
		return err
	}
	s.offline = off
	return nil
}

func (s *Store) cache() *Offline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}

// Close releases the feed and the offline cache.
func (s *Store) Close() error {
	s.mu.Lock()
	off := s.offline
	s.offline = nil
	s.mu.Unlock()
	return errors.Join(s.feed.Close(), off.Close())
}

func escapeFilter(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}
