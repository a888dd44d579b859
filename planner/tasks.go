package planner

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wowowow-64/weekwise/backend"
	"github.com/wowowow-64/weekwise/domain"
)

// TaskWindow is how far back tasks are loaded.
const TaskWindow = 90 * 24 * time.Hour

// TasksState is the task view handed to subscribers.
type TasksState struct {
	Tasks   domain.DayTasks `json:"tasks"`
	Loading bool            `json:"loading"`
	// Corpus lists the text of every loaded task, for suggestions.
	Corpus []string `json:"corpus"`
}

// Tasks mirrors the signed-in user's recent tasks. Writes go straight to the
// document store; the view changes only when the store reports the result.
type Tasks struct {
	mirror  mirror[domain.DayTasks]
	state   *Broadcast[TasksState]
	manager *backend.Manager
	now     func() time.Time
}

// NewTasks creates the task container and starts following session.
func NewTasks(session *Session, manager *backend.Manager, logger *log.Logger) *Tasks {
	if logger == nil {
		logger = log.StandardLogger()
	}
	t := &Tasks{
		state:   NewBroadcast(TasksState{Tasks: domain.NewDayTasks(), Corpus: []string{}}),
		manager: manager,
		now:     time.Now,
	}
	t.mirror = mirror[domain.DayTasks]{
		logger:  logger.WithField("container", "tasks"),
		manager: manager,
		empty:   domain.NewDayTasks,
		watch:   t.watch,
		publish: func(view domain.DayTasks, loading bool) func() {
			version := t.state.stage(TasksState{Tasks: view, Loading: loading, Corpus: view.Corpus()})
			return func() { t.state.flush(version) }
		},
	}
	t.mirror.init(session)
	return t
}

func (t *Tasks) watch(ctx context.Context, store backend.DocumentStore, uid string, apply func(func(domain.DayTasks) domain.DayTasks), fail func(error)) func() {
	since := t.now().Add(-TaskWindow)
	return store.WatchTasks(ctx, uid, since, func(snap domain.TaskSnapshot) {
		apply(func(current domain.DayTasks) domain.DayTasks {
			return domain.ApplyTaskSnapshot(current, snap)
		})
	}, fail)
}

// State returns the current view.
func (t *Tasks) State() TasksState {
	return t.state.Load()
}

// Subscribe registers fn for view changes.
func (t *Tasks) Subscribe(fn func(TasksState)) (unsubscribe func()) {
	return t.state.Subscribe(fn)
}

// target returns the signed-in uid and the store, or ok=false when there is
// nobody to write for.
func (t *Tasks) target() (string, backend.DocumentStore, bool, error) {
	uid := t.mirror.user()
	if uid == "" {
		return "", nil, false, nil
	}
	store, err := t.manager.DocumentStore()
	if err != nil {
		return "", nil, false, err
	}
	return uid, store, true, nil
}

// AddTask creates a task on day. Without a signed-in user it does nothing.
func (t *Tasks) AddTask(ctx context.Context, day domain.Day, text string) error {
	uid, store, ok, err := t.target()
	if !ok {
		return err
	}
	if !day.Valid() {
		return fmt.Errorf("invalid day %q", day)
	}
	_, err = store.AddTask(ctx, uid, day, text)
	return err
}

// ToggleTask flips the completion of a task. Unknown ids are ignored.
func (t *Tasks) ToggleTask(ctx context.Context, day domain.Day, id string) error {
	uid, store, ok, err := t.target()
	if !ok {
		return err
	}
	task, found := t.mirror.current().Find(day, id)
	if !found {
		return nil
	}
	completed := !task.Completed
	return store.UpdateTask(ctx, uid, id, domain.TaskPatch{Completed: &completed})
}

// DeleteTask removes a task.
func (t *Tasks) DeleteTask(ctx context.Context, _ domain.Day, id string) error {
	uid, store, ok, err := t.target()
	if !ok {
		return err
	}
	return store.DeleteTask(ctx, uid, id)
}

// UpdateTask replaces the text of a task.
func (t *Tasks) UpdateTask(ctx context.Context, _ domain.Day, id, text string) error {
	uid, store, ok, err := t.target()
	if !ok {
		return err
	}
	return store.UpdateTask(ctx, uid, id, domain.TaskPatch{Text: &text})
}

// Close stops following the session and the store.
func (t *Tasks) Close() {
	t.mirror.close()
}
