package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSubtaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subtask",
		Aliases: []string{"sub"},
		Short:   "Manage the checklist of a task",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <task> <title>",
			Short: "Append a subtask",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withSession(cmd, func(ctx context.Context, s *session) error {
					t, err := resolveTask(s.Tasks(), args[0])
					if err != nil {
						return err
					}
					st, err := s.AddSubtask(ctx, t.ID, strings.Join(args[1:], " "))
					if err != nil {
						return err
					}
					fmt.Fprintf(s.out, "added %s to %s\n", st.ID, t.ID)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "done <task> <subtask>",
			Short: "Toggle a subtask; the subtask may be given by id or 1-based position",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withSession(cmd, func(ctx context.Context, s *session) error {
					t, err := resolveTask(s.Tasks(), args[0])
					if err != nil {
						return err
					}
					st, err := resolveSubtask(t, args[1])
					if err != nil {
						return err
					}
					updated, err := s.ToggleSubtask(ctx, t.ID, st.ID)
					if err != nil {
						return err
					}
					mark := "open"
					if updated.Completed {
						mark = "checked"
					}
					fmt.Fprintf(s.out, "%s is %s\n", st.ID, mark)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:     "rm <task> <subtask>",
			Aliases: []string{"remove"},
			Short:   "Delete a subtask",
			Args:    cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withSession(cmd, func(ctx context.Context, s *session) error {
					t, err := resolveTask(s.Tasks(), args[0])
					if err != nil {
						return err
					}
					st, err := resolveSubtask(t, args[1])
					if err != nil {
						return err
					}
					if err := s.RemoveSubtask(ctx, t.ID, st.ID); err != nil {
						return err
					}
					fmt.Fprintf(s.out, "removed %s\n", st.ID)
					return nil
				})
			},
		},
	)
	return cmd
}
