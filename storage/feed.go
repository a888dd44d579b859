package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/wowowow-64/weekwise/domain"
)

const (
	collectionTasks = "tasks"
	collectionNotes = "notes"
)

var errFeedClosed = errors.New("change feed closed")

// Feed carries change events from writers to watchers of the same user.
type Feed interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) error
	// Subscribe returns once the subscription is live. onResync runs when
	// events may have been missed and the caller should refetch.
	Subscribe(ctx context.Context, uid, collection string, onEvent func(domain.ChangeEvent), onResync func()) (stop func(), err error)
	Close() error
}

func channelName(uid, collection string) string {
	return fmt.Sprintf("weekwise:%s:%s", uid, collection)
}

func collectionOf(ev domain.ChangeEvent) string {
	if ev.EntityType == domain.EntityNote {
		return collectionNotes
	}
	return collectionTasks
}
