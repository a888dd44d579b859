package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/wowowow-64/weekwise/domain"
	"github.com/wowowow-64/weekwise/prefs"
)

// LegacyTasksKey holds the week kept by versions that stored tasks locally.
const LegacyTasksKey = "tasks"

// ImportLegacy copies the locally stored week under LegacyTasksKey into the
// signed-in user's store and returns how many tasks it wrote. Imported tasks
// are removed from the key; whatever fails to import stays there for the next
// attempt. Without a signed-in user it does nothing.
func (t *Tasks) ImportLegacy(ctx context.Context, p *prefs.Store) (int, error) {
	uid, store, ok, err := t.target()
	if !ok {
		return 0, err
	}
	if _, found := p.Raw(LegacyTasksKey); !found {
		return 0, nil
	}
	legacy := prefs.Read(p, LegacyTasksKey, domain.DayTasks(nil))
	if legacy == nil {
		return 0, fmt.Errorf("legacy tasks under %q are unreadable", LegacyTasksKey)
	}

	imported := 0
	left := domain.NewDayTasks()
	var firstErr error
	for _, day := range domain.Days {
		for _, task := range legacy[day] {
			text := strings.TrimSpace(task.Text)
			if text == "" {
				continue
			}
			if firstErr != nil {
				left[day] = append(left[day], task)
				continue
			}
			created, err := store.AddTask(ctx, uid, day, text)
			if err != nil {
				firstErr = fmt.Errorf("import %s task: %w", day, err)
				left[day] = append(left[day], task)
				continue
			}
			imported++
			if task.Completed {
				done := true
				if err := store.UpdateTask(ctx, uid, created.ID, domain.TaskPatch{Completed: &done}); err != nil {
					t.mirror.logger.WithError(err).WithField("task", created.ID).Warn("legacy import: completion not carried over")
				}
			}
		}
	}

	if left.Len() == 0 {
		err = p.Remove(LegacyTasksKey)
	} else {
		err = p.Write(LegacyTasksKey, left)
	}
	if err != nil && firstErr == nil {
		firstErr = fmt.Errorf("update legacy tasks: %w", err)
	}
	t.mirror.logger.WithField("imported", imported).WithField("left", left.Len()).Info("legacy import finished")
	return imported, firstErr
}
