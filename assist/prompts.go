package assist

import (
	"strings"
	"text/template"

	"github.com/wowowow-64/weekwise/domain"
)

type suggestInput struct {
	Day       domain.Day
	PastTasks []string
}

type summaryInput struct {
	Completed  []string
	Incomplete []string
}

var suggestPrompt = template.Must(template.New("suggest").Parse(`You are a personal assistant that suggests tasks for a user's weekly planner.

Based on the day of the week and the user's past tasks, suggest tasks that the user might want to add to their planner.
Return the suggested tasks as a JSON array of strings.

Day of the week: {{.Day}}
Past tasks:
{{- if .PastTasks}}
{{- range .PastTasks}}
- {{.}}
{{- end}}
{{- else}} No past tasks
{{- end}}
`))

var summaryPrompt = template.Must(template.New("summary").Parse(`Summarize the user's week based on the following completed and incomplete tasks. Highlight accomplishments and areas for improvement.

Completed Tasks:
{{- range .Completed}}
- {{.}}
{{- end}}

Incomplete Tasks:
{{- range .Incomplete}}
- {{.}}
{{- end}}

Summary:`))

func render(t *template.Template, data any) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}
