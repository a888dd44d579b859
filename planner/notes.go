package planner

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/wowowow-64/weekwise/backend"
	"github.com/wowowow-64/weekwise/domain"
)

// NotesState is the note view handed to subscribers.
type NotesState struct {
	Notes   domain.DayNotes `json:"notes"`
	Loading bool            `json:"loading"`
}

// Notes mirrors the signed-in user's daily notes.
type Notes struct {
	mirror  mirror[domain.DayNotes]
	state   *Broadcast[NotesState]
	manager *backend.Manager
}

// NewNotes creates the note container and starts following session.
func NewNotes(session *Session, manager *backend.Manager, logger *log.Logger) *Notes {
	if logger == nil {
		logger = log.StandardLogger()
	}
	n := &Notes{
		state:   NewBroadcast(NotesState{Notes: domain.NewDayNotes()}),
		manager: manager,
	}
	n.mirror = mirror[domain.DayNotes]{
		logger:  logger.WithField("container", "notes"),
		manager: manager,
		empty:   domain.NewDayNotes,
		watch: func(ctx context.Context, store backend.DocumentStore, uid string, apply func(func(domain.DayNotes) domain.DayNotes), fail func(error)) func() {
			return store.WatchNotes(ctx, uid, func(snap domain.NoteSnapshot) {
				apply(func(current domain.DayNotes) domain.DayNotes {
					return domain.ApplyNoteSnapshot(current, snap)
				})
			}, fail)
		},
		publish: func(view domain.DayNotes, loading bool) func() {
			version := n.state.stage(NotesState{Notes: view, Loading: loading})
			return func() { n.state.flush(version) }
		},
	}
	n.mirror.init(session)
	return n
}

// State returns the current notes.
func (n *Notes) State() NotesState {
	return n.state.Load()
}

// Subscribe registers fn for note changes.
func (n *Notes) Subscribe(fn func(NotesState)) (unsubscribe func()) {
	return n.state.Subscribe(fn)
}

// UpdateNote stores content as the note of day. Empty content is kept as an
// empty note. Without a signed-in user it does nothing.
func (n *Notes) UpdateNote(ctx context.Context, day domain.Day, content string) error {
	uid := n.mirror.user()
	if uid == "" {
		return nil
	}
	if !day.Valid() {
		return fmt.Errorf("invalid day %q", day)
	}
	store, err := n.manager.DocumentStore()
	if err != nil {
		return err
	}
	return store.SetNote(ctx, uid, day, content)
}

// Close stops following the session and the store.
func (n *Notes) Close() {
	n.mirror.close()
}
