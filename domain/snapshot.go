package domain

import (
	log "github.com/sirupsen/logrus"
)

// ChangeKind classifies an incremental snapshot entry.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeModified
	ChangeRemoved
)

// TaskChange is one entry of an incremental task snapshot.
type TaskChange struct {
	Kind ChangeKind
	Task Task
}

// TaskSnapshot is a push notification from the document store. A full
// snapshot replaces the local view; otherwise Changes are applied on top of it.
type TaskSnapshot struct {
	Full      bool
	Tasks     []Task
	Changes   []TaskChange
	FromCache bool
}

// NoteSnapshot mirrors TaskSnapshot for notes. Notes are never removed, so a
// diff only carries upserted records.
type NoteSnapshot struct {
	Full      bool
	Notes     []Note
	Changes   []Note
	FromCache bool
}

// GroupTasks buckets records by their day, newest first within a day.
// Records with an unknown day are dropped.
func GroupTasks(records []Task) DayTasks {
	grouped := NewDayTasks()
	for _, t := range records {
		if !t.Day.Valid() {
			log.WithFields(log.Fields{"task": t.ID, "day": string(t.Day)}).Warn("dropping task with unknown day")
			continue
		}
		grouped[t.Day] = append(grouped[t.Day], t)
	}
	for _, d := range Days {
		sortNewestFirst(grouped[d])
	}
	return grouped
}

// ApplyTaskSnapshot reconciles the current view with a pushed snapshot and
// returns the next view. A change older than the record already held is
// ignored. current is not modified.
func ApplyTaskSnapshot(current DayTasks, snap TaskSnapshot) DayTasks {
	if snap.Full {
		return GroupTasks(snap.Tasks)
	}
	next := current.Clone()
	touched := map[Day]bool{}
	for _, ch := range snap.Changes {
		if ch.Kind != ChangeRemoved && staleTask(next, ch.Task) {
			continue
		}
		for _, d := range Days {
			if removeTask(next, d, ch.Task.ID) {
				touched[d] = true
			}
		}
		if ch.Kind == ChangeRemoved {
			continue
		}
		if !ch.Task.Day.Valid() {
			log.WithFields(log.Fields{"task": ch.Task.ID, "day": string(ch.Task.Day)}).Warn("dropping task with unknown day")
			continue
		}
		next[ch.Task.Day] = append(next[ch.Task.Day], ch.Task)
		touched[ch.Task.Day] = true
	}
	for d := range touched {
		sortNewestFirst(next[d])
	}
	return next
}

func staleTask(dt DayTasks, t Task) bool {
	for _, d := range Days {
		if held, ok := dt.Find(d, t.ID); ok {
			return held.Version > t.Version
		}
	}
	return false
}

func removeTask(dt DayTasks, day Day, id string) bool {
	tasks := dt[day]
	for i, t := range tasks {
		if t.ID == id {
			dt[day] = append(tasks[:i:i], tasks[i+1:]...)
			return true
		}
	}
	return false
}

// ApplyNoteSnapshot reconciles the current notes with a pushed snapshot.
func ApplyNoteSnapshot(current DayNotes, snap NoteSnapshot) DayNotes {
	var next DayNotes
	records := snap.Changes
	if snap.Full {
		next = NewDayNotes()
		records = snap.Notes
	} else {
		next = current.Clone()
	}
	for _, n := range records {
		if !n.ID.Valid() {
			log.WithField("note", string(n.ID)).Warn("dropping note with unknown day")
			continue
		}
		if held := next[n.ID]; !snap.Full && held != nil && held.Version > n.Version {
			continue
		}
		cp := n
		next[n.ID] = &cp
	}
	return next
}
