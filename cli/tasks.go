package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"taskboard/domain"
	"taskboard/projection"
)

const dateLayout = "2006-01-02"

// resolveTask accepts a full id or an unambiguous id prefix.
func resolveTask(tasks []domain.Task, ref string) (domain.Task, error) {
	if i := domain.IndexOf(tasks, ref); i >= 0 {
		return tasks[i], nil
	}
	var match []domain.Task
	for _, t := range tasks {
		if strings.HasPrefix(t.ID, ref) {
			match = append(match, t)
		}
	}
	switch len(match) {
	case 0:
		return domain.Task{}, fmt.Errorf("no task matches %q", ref)
	case 1:
		return match[0], nil
	}
	return domain.Task{}, fmt.Errorf("%q matches %d tasks", ref, len(match))
}

func resolveSubtask(t domain.Task, ref string) (domain.Subtask, error) {
	var match []domain.Subtask
	for _, st := range t.Subtasks {
		if st.ID == ref {
			return st, nil
		}
		if strings.HasPrefix(st.ID, ref) {
			match = append(match, st)
		}
	}
	if len(match) == 1 {
		return match[0], nil
	}
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(t.Subtasks) {
		return t.Subtasks[n-1], nil
	}
	return domain.Subtask{}, fmt.Errorf("no subtask of %s matches %q", t.ID, ref)
}

// parseDue accepts a calendar date in local time or an RFC 3339 timestamp.
func parseDue(s string) (time.Time, error) {
	if d, err := time.ParseInLocation(dateLayout, s, time.Local); err == nil {
		return d, nil
	}
	d, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid due date %q: use YYYY-MM-DD", s)
	}
	return d, nil
}

func parsePriority(s string) (domain.Priority, error) {
	p, ok := domain.ParsePriority(s)
	if !ok {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

func newListCmd(a *app) *cobra.Command {
	var (
		status, priority, category, search, sortBy string
		tags                                       []string
		desc, subtasks                             bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := projection.Query{Search: search}
			var err error
			if q.Filter.Status, err = projection.ParseStatus(status); err != nil {
				return err
			}
			if priority != "" {
				if q.Filter.Priority, err = parsePriority(priority); err != nil {
					return err
				}
			}
			q.Filter.Category = category
			q.Filter.Tags = tags
			if q.Sort.Field, err = projection.ParseSortField(sortBy); err != nil {
				return err
			}
			if desc {
				q.Sort.Direction = projection.Desc
			}
			return a.withSession(cmd, func(_ context.Context, s *session) error {
				printTasks(s.out, projection.Apply(s.Tasks(), q), subtasks)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", "all", "all, pending or completed")
	f.StringVar(&priority, "priority", "", "only tasks with this priority")
	f.StringVar(&category, "category", "", "only tasks in this category")
	f.StringSliceVar(&tags, "tag", nil, "only tasks carrying any of these tags")
	f.StringVarP(&search, "search", "s", "", "match title, description or tags")
	f.StringVar(&sortBy, "sort", "", "title, created, due, priority or order")
	f.BoolVar(&desc, "desc", false, "sort descending")
	f.BoolVar(&subtasks, "subtasks", false, "show subtasks")
	return cmd
}

func newAddCmd(a *app) *cobra.Command {
	var (
		in       domain.TaskInput
		priority string
		due      string
	)
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Title = strings.Join(args, " ")
			if priority != "" {
				p, err := parsePriority(priority)
				if err != nil {
					return err
				}
				in.Priority = p
			}
			if due != "" {
				d, err := parseDue(due)
				if err != nil {
					return err
				}
				in.DueDate = &d
			}
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				t, err := s.Create(ctx, in)
				if err != nil {
					return err
				}
				fmt.Fprintf(s.out, "created %s\n", t.ID)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&in.Description, "description", "d", "", "task description")
	f.StringVarP(&priority, "priority", "p", "", "low, medium or high")
	f.StringVarP(&in.Category, "category", "c", "", "task category")
	f.StringSliceVarP(&in.Tags, "tag", "t", nil, "tag to attach (repeatable)")
	f.StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	return cmd
}

func newEditCmd(a *app) *cobra.Command {
	var (
		title, description, priority, category, due string
		tags                                        []string
		clearDue                                    bool
	)
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change fields of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			var patch domain.TaskPatch
			if f.Changed("title") {
				patch.Title = &title
			}
			if f.Changed("description") {
				patch.Description = &description
			}
			if f.Changed("priority") {
				p, err := parsePriority(priority)
				if err != nil {
					return err
				}
				patch.Priority = &p
			}
			if f.Changed("category") {
				patch.Category = &category
			}
			if f.Changed("tag") {
				patch.Tags = &tags
			}
			if f.Changed("due") {
				d, err := parseDue(due)
				if err != nil {
					return err
				}
				patch.DueDate = &d
			}
			patch.ClearDueDate = clearDue
			if patch.Empty() {
				return fmt.Errorf("nothing to change")
			}
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				t, err := resolveTask(s.Tasks(), args[0])
				if err != nil {
					return err
				}
				if _, err := s.Update(ctx, t.ID, patch); err != nil {
					return err
				}
				fmt.Fprintf(s.out, "updated %s\n", t.ID)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&title, "title", "", "new title")
	f.StringVarP(&description, "description", "d", "", "new description")
	f.StringVarP(&priority, "priority", "p", "", "low, medium or high")
	f.StringVarP(&category, "category", "c", "", "new category")
	f.StringSliceVarP(&tags, "tag", "t", nil, "replace the tags")
	f.StringVar(&due, "due", "", "new due date (YYYY-MM-DD)")
	f.BoolVar(&clearDue, "clear-due", false, "remove the due date")
	cmd.MarkFlagsMutuallyExclusive("due", "clear-due")
	return cmd
}

func newDoneCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "done <id>",
		Short: "Toggle a task between pending and completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				t, err := resolveTask(s.Tasks(), args[0])
				if err != nil {
					return err
				}
				updated, err := s.ToggleComplete(ctx, t.ID)
				if err != nil {
					return err
				}
				state := "pending"
				if updated.Completed {
					state = "completed"
				}
				fmt.Fprintf(s.out, "%s is %s\n", t.ID, state)
				return nil
			})
		},
	}
}

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove"},
		Short:   "Delete a task",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				t, err := resolveTask(s.Tasks(), args[0])
				if err != nil {
					return err
				}
				if err := s.Remove(ctx, t.ID); err != nil {
					return err
				}
				fmt.Fprintf(s.out, "removed %s\n", t.ID)
				return nil
			})
		},
	}
}

// moveTask returns tasks with the task at from placed at position to.
func moveTask(tasks []domain.Task, from, to int) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	moved := tasks[from]
	for i, t := range tasks {
		if i != from {
			out = append(out, t)
		}
	}
	to = max(0, min(to, len(out)))
	out = append(out[:to], append([]domain.Task{moved}, out[to:]...)...)
	return out
}

func newMoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "move <id> <position>",
		Short: "Move a task to a 1-based position in the board order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := strconv.Atoi(args[1])
			if err != nil || pos < 1 {
				return fmt.Errorf("invalid position %q", args[1])
			}
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				tasks := projection.Apply(s.Tasks(), projection.Query{Sort: projection.Sort{Field: projection.SortOrder}})
				t, err := resolveTask(tasks, args[0])
				if err != nil {
					return err
				}
				if err := s.Reorder(ctx, moveTask(tasks, domain.IndexOf(tasks, t.ID), pos-1)); err != nil {
					return err
				}
				fmt.Fprintf(s.out, "moved %s to position %d\n", t.ID, min(pos, len(tasks)))
				return nil
			})
		},
	}
}
