package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/arbor-sh/arbor/pkg/models"
)

// BuildPrompt renders a task into the prompt sent to the agent. Extra
// context entries are appended in key order so prompts are stable.
func BuildPrompt(task *models.Task, extra map[string]string) string {
	var b strings.Builder
	if task.Name != "" {
		fmt.Fprintf(&b, "Task: %s\n\n", task.Name)
	}
	b.WriteString(task.Description)

	if len(extra) > 0 {
		keys := make([]string, 0, len(extra))
		for k := range extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("\n\nAdditional context:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, extra[k])
		}
	}
	return b.String()
}
