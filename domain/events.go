package domain

const (
	TaskCreated = "task-created"
	TaskUpdated = "task-updated"
	TaskDeleted = "task-deleted"
	NoteUpdated = "note-updated"
)

const (
	EntityTask = "task"
	EntityNote = "note"
)

// ChangeEvent is published on the change feed after every successful write.
// It carries the authoritative record so watchers can apply it as a diff.
type ChangeEvent struct {
	EntityType string `json:"entityType"`
	Type       string `json:"type"`
	UserID     string `json:"userId"`
	EntityID   string `json:"entityId"`
	Task       *Task  `json:"task,omitempty"`
	Note       *Note  `json:"note,omitempty"`
	Time       int64  `json:"time"`
}

// TaskChange converts a task event into a snapshot diff entry.
func (ev ChangeEvent) TaskChange() (TaskChange, bool) {
	if ev.EntityType != EntityTask {
		return TaskChange{}, false
	}
	switch ev.Type {
	case TaskCreated, TaskUpdated:
		if ev.Task == nil {
			return TaskChange{}, false
		}
		kind := ChangeModified
		if ev.Type == TaskCreated {
			kind = ChangeAdded
		}
		return TaskChange{Kind: kind, Task: *ev.Task}, true
	case TaskDeleted:
		return TaskChange{Kind: ChangeRemoved, Task: Task{ID: ev.EntityID}}, true
	}
	return TaskChange{}, false
}

// NoteChange converts a note event into a snapshot diff entry.
func (ev ChangeEvent) NoteChange() (Note, bool) {
	if ev.EntityType != EntityNote || ev.Type != NoteUpdated || ev.Note == nil {
		return Note{}, false
	}
	return *ev.Note, true
}
