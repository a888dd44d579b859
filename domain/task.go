package domain

import (
	"sort"
	"time"
)

// Task represents a single planner entry owned by one user.
type Task struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Completed bool      `json:"completed"`
	Day       Day       `json:"day"`
	CreatedAt time.Time `json:"createdAt"`
	// Version grows by one with every stored write of the record.
	Version   int64     `json:"version"`
}

// TaskPatch carries partial updates for a task. Nil fields are left untouched.
type TaskPatch struct {
	Text      *string `json:"text,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Text == nil && p.Completed == nil
}

// Apply returns t with the patch fields applied.
func (p TaskPatch) Apply(t Task) Task {
	if p.Text != nil {
		t.Text = *p.Text
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}
	return t
}

// DayTasks groups tasks by weekday. Every weekday key is always present.
type DayTasks map[Day][]Task

// NewDayTasks returns a DayTasks value with an empty slice for each weekday.
func NewDayTasks() DayTasks {
	dt := make(DayTasks, len(Days))
	for _, d := range Days {
		dt[d] = []Task{}
	}
	return dt
}

// Find returns the task with the given id from the bucket of day.
func (dt DayTasks) Find(day Day, id string) (Task, bool) {
	for _, t := range dt[day] {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// Len returns the number of tasks across the week.
func (dt DayTasks) Len() int {
	n := 0
	for _, d := range Days {
		n += len(dt[d])
	}
	return n
}

// Clone returns a deep copy so callers may mutate the result freely.
func (dt DayTasks) Clone() DayTasks {
	out := NewDayTasks()
	for _, d := range Days {
		out[d] = append(out[d], dt[d]...)
	}
	return out
}

// Corpus flattens all task texts in week order. It is used as conditioning
// context for task suggestions only.
func (dt DayTasks) Corpus() []string {
	texts := make([]string, 0, dt.Len())
	for _, d := range Days {
		for _, t := range dt[d] {
			texts = append(texts, t.Text)
		}
	}
	return texts
}

// Partition splits task texts into completed and incomplete lists.
func (dt DayTasks) Partition() (completed, incomplete []string) {
	completed = []string{}
	incomplete = []string{}
	for _, d := range Days {
		for _, t := range dt[d] {
			if t.Completed {
				completed = append(completed, t.Text)
			} else {
				incomplete = append(incomplete, t.Text)
			}
		}
	}
	return completed, incomplete
}

func sortNewestFirst(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}
