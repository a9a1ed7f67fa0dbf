package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"taskboard/domain"
)

func checkbox(done bool) string {
	if done {
		return "[x]"
	}
	return "[ ]"
}

func printTasks(w io.Writer, tasks []domain.Task, withSubtasks bool) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDONE\tPRIORITY\tDUE\tTITLE\tTAGS")
	for _, t := range tasks {
		due := "-"
		if t.DueDate != nil {
			due = t.DueDate.Local().Format(dateLayout)
		}
		title := t.Title
		if n := len(t.Subtasks); n > 0 {
			done := 0
			for _, st := range t.Subtasks {
				if st.Completed {
					done++
				}
			}
			title = fmt.Sprintf("%s (%d/%d)", title, done, n)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", t.ID, checkbox(t.Completed), t.Priority, due, title, strings.Join(t.Tags, ","))
		if withSubtasks {
			for i, st := range t.Subtasks {
				fmt.Fprintf(tw, "\t\t\t\t  %d. %s %s\t\n", i+1, checkbox(st.Completed), st.Title)
			}
		}
	}
	tw.Flush()
}
