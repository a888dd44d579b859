package storage

import (
	"context"
	"sync"

	"github.com/wowowow-64/weekwise/domain"
)

const localFeedBuffer = 64

// LocalFeed is an in-process Feed. Events reach every subscriber in publish
// order.
type LocalFeed struct {
	mu     sync.Mutex
	subs   map[string]map[*localSub]struct{}
	closed bool
}

type localSub struct {
	ch   chan domain.ChangeEvent
	quit chan struct{}
	done chan struct{}
}

// NewLocalFeed creates an empty in-process feed.
func NewLocalFeed() *LocalFeed {
	return &LocalFeed{subs: make(map[string]map[*localSub]struct{})}
}

// Publish delivers ev to the subscribers of its channel.
func (f *LocalFeed) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	name := channelName(ev.UserID, collectionOf(ev))
	f.mu.Lock()
	targets := make([]*localSub, 0, len(f.subs[name]))
	for s := range f.subs[name] {
		targets = append(targets, s)
	}
	f.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- ev:
		case <-s.quit:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe starts delivering events for uid and collection to onEvent.
func (f *LocalFeed) Subscribe(ctx context.Context, uid, collection string, onEvent func(domain.ChangeEvent), _ func()) (func(), error) {
	name := channelName(uid, collection)
	s := &localSub{
		ch:   make(chan domain.ChangeEvent, localFeedBuffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, errFeedClosed
	}
	if f.subs[name] == nil {
		f.subs[name] = make(map[*localSub]struct{})
	}
	f.subs[name][s] = struct{}{}
	f.mu.Unlock()

	go func() {
		defer close(s.done)
		for {
			select {
			case <-s.quit:
				return
			case <-ctx.Done():
				return
			case ev := <-s.ch:
				onEvent(ev)
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs[name], s)
			if len(f.subs[name]) == 0 {
				delete(f.subs, name)
			}
			f.mu.Unlock()
			close(s.quit)
			<-s.done
		})
	}
	return stop, nil
}

// Close rejects further subscriptions. Live subscriptions end with their
// stop functions.
func (f *LocalFeed) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
