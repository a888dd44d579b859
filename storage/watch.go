package storage

import (
	"context"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wowowow-64/weekwise/domain"
)

const watchBuffer = 64

// removed marks a deleted record in versions.
const removed = math.MaxInt64

// versions remembers the newest version a watch has delivered per record, so
// a change published after a newer one is dropped. It is only touched by the
// watch goroutine.
type versions map[string]int64

func (v versions) seen(id string, version int64) {
	if version > v[id] {
		v[id] = version
	}
}

// fresh records version and reports whether it is newer than anything
// delivered for id so far.
func (v versions) fresh(id string, version int64) bool {
	if last, ok := v[id]; ok && version <= last {
		return false
	}
	v[id] = version
	return true
}

// feedSignal is either a change event or a request to refetch everything.
type feedSignal struct {
	ev     domain.ChangeEvent
	resync bool
}

// WatchTasks streams the tasks of uid created at or after since: a full
// snapshot first, then one diff per change, and a new full snapshot whenever
// the feed may have dropped events.
func (s *Store) WatchTasks(ctx context.Context, uid string, since time.Time, onSnapshot func(domain.TaskSnapshot), onError func(error)) func() {
	logger := s.logger.WithFields(log.Fields{"user": uid, "collection": collectionTasks})
	delivered := versions{}
	return s.watch(ctx, uid, collectionTasks, onError, func(ctx context.Context) bool {
		tasks, err := s.tables.ListTasks(ctx, uid, since)
		if err == nil {
			for _, t := range tasks {
				delivered.seen(t.ID, t.Version)
			}
			if cerr := s.cache().ReplaceTasks(ctx, uid, tasks); cerr != nil {
				logger.WithError(cerr).Warn("storage: unable to cache tasks")
			}
			onSnapshot(domain.TaskSnapshot{Full: true, Tasks: tasks})
			return true
		}
		cached, ok, cerr := s.cache().Tasks(ctx, uid, since)
		if cerr != nil || !ok {
			if ctx.Err() == nil {
				onError(err)
			}
			return false
		}
		for _, t := range cached {
			delivered.seen(t.ID, t.Version)
		}
		logger.WithError(err).Warn("storage: remote unavailable, serving cached tasks")
		onSnapshot(domain.TaskSnapshot{Full: true, Tasks: cached, FromCache: true})
		return true
	}, func(ctx context.Context, ev domain.ChangeEvent) {
		ch, ok := ev.TaskChange()
		if !ok {
			return
		}
		if ch.Kind != domain.ChangeRemoved && ch.Task.CreatedAt.Before(since) {
			return
		}
		version := ch.Task.Version
		if ch.Kind == domain.ChangeRemoved {
			version = removed
		}
		if !delivered.fresh(ch.Task.ID, version) {
			logger.WithFields(log.Fields{"task": ch.Task.ID, "version": ch.Task.Version}).Debug("storage: dropping stale task change")
			return
		}
		if err := s.cache().ApplyTask(ctx, uid, ch); err != nil {
			logger.WithError(err).Warn("storage: unable to cache task change")
		}
		onSnapshot(domain.TaskSnapshot{Changes: []domain.TaskChange{ch}})
	})
}

// WatchNotes streams every note of uid the same way WatchTasks does.
func (s *Store) WatchNotes(ctx context.Context, uid string, onSnapshot func(domain.NoteSnapshot), onError func(error)) func() {
	logger := s.logger.WithFields(log.Fields{"user": uid, "collection": collectionNotes})
	delivered := versions{}
	return s.watch(ctx, uid, collectionNotes, onError, func(ctx context.Context) bool {
		notes, err := s.tables.ListNotes(ctx, uid)
		if err == nil {
			for _, n := range notes {
				delivered.seen(string(n.ID), n.Version)
			}
			if cerr := s.cache().ReplaceNotes(ctx, uid, notes); cerr != nil {
				logger.WithError(cerr).Warn("storage: unable to cache notes")
			}
			onSnapshot(domain.NoteSnapshot{Full: true, Notes: notes})
			return true
		}
		cached, ok, cerr := s.cache().Notes(ctx, uid)
		if cerr != nil || !ok {
			if ctx.Err() == nil {
				onError(err)
			}
			return false
		}
		for _, n := range cached {
			delivered.seen(string(n.ID), n.Version)
		}
		logger.WithError(err).Warn("storage: remote unavailable, serving cached notes")
		onSnapshot(domain.NoteSnapshot{Full: true, Notes: cached, FromCache: true})
		return true
	}, func(ctx context.Context, ev domain.ChangeEvent) {
		n, ok := ev.NoteChange()
		if !ok {
			return
		}
		if !delivered.fresh(string(n.ID), n.Version) {
			logger.WithFields(log.Fields{"note": string(n.ID), "version": n.Version}).Debug("storage: dropping stale note change")
			return
		}
		if err := s.cache().ApplyNote(ctx, uid, n); err != nil {
			logger.WithError(err).Warn("storage: unable to cache note")
		}
		onSnapshot(domain.NoteSnapshot{Changes: []domain.Note{n}})
	})
}

// watch runs one subscription: it subscribes to the feed before the first
// fetch so no write can slip between the two, then serializes fetches and
// events on a single goroutine. Callbacks never run after stop returns.
func (s *Store) watch(
	ctx context.Context,
	uid, collection string,
	onError func(error),
	fetch func(ctx context.Context) bool,
	apply func(ctx context.Context, ev domain.ChangeEvent),
) func() {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan feedSignal, watchBuffer)
	send := func(sig feedSignal) {
		select {
		case signals <- sig:
		case <-ctx.Done():
		}
	}
	done := make(chan struct{})

	go func() {
		defer close(done)
		unsubscribe, err := s.feed.Subscribe(ctx, uid, collection,
			func(ev domain.ChangeEvent) { send(feedSignal{ev: ev}) },
			func() { send(feedSignal{resync: true}) },
		)
		if err != nil {
			if ctx.Err() == nil {
				onError(err)
			}
			return
		}
		defer unsubscribe()

		if !fetch(ctx) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-signals:
				if sig.resync {
					if !fetch(ctx) {
						return
					}
					continue
				}
				apply(ctx, sig.ev)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
