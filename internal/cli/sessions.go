package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newNewCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "new [name]",
		Short: "Create an empty session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return withApp(cmd, opts, appSpec{}, func(ctx context.Context, a *app) error {
				sess, err := a.engine.CreateSession(ctx, name)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), sess.ID())
				return nil
			})
		},
	}
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"ls"},
		Short:   "List and manage sessions",
	}

	var limit int
	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, appSpec{}, func(ctx context.Context, a *app) error {
				stats, err := a.engine.ListSessions(ctx, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return writeJSON(out, stats)
				}
				if len(stats) == 0 {
					fmt.Fprintln(out, "No sessions")
					return nil
				}
				rows := make([][]string, 0, len(stats))
				for _, st := range stats {
					rows = append(rows, []string{
						st.Header.ID,
						st.Header.Name,
						formatAge(time.Since(st.UpdatedAt)),
						formatBytes(st.Size),
					})
				}
				fmt.Fprintln(out, newStyles(out).table([]string{"ID", "NAME", "UPDATED", "SIZE"}, rows))
				return nil
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions to show, 0 for all")
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	show := &cobra.Command{
		Use:   "show <session>",
		Short: "Show session counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, appSpec{}, func(ctx context.Context, a *app) error {
				info, err := a.engine.Info(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), info)
			})
		},
	}

	del := &cobra.Command{
		Use:     "delete <session>...",
		Aliases: []string{"rm"},
		Short:   "Delete sessions",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, appSpec{}, func(ctx context.Context, a *app) error {
				for _, ref := range args {
					if err := a.engine.DeleteSession(ctx, ref); err != nil {
						return fmt.Errorf("failed to delete %s: %w", ref, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", ref)
				}
				return nil
			})
		},
	}

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete sessions idle longer than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, appSpec{}, func(ctx context.Context, a *app) error {
				if a.cleanup == nil {
					return fmt.Errorf("session retention is disabled (sessions.retention_days is 0)")
				}
				deleted, err := a.cleanup.CleanupNow(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d session(s) idle longer than %s\n",
					len(deleted), formatAge(a.cleanup.Retention()))
				return nil
			})
		},
	}

	cmd.AddCommand(list, show, del, cleanup)
	return cmd
}

func newTreeCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tree <session>",
		Short: "Show every entry and branch of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, appSpec{}, func(ctx context.Context, a *app) error {
				view, err := a.engine.TreeView(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return writeJSON(out, view)
				}
				st := newStyles(out)
				fmt.Fprintln(out, st.Title.Render(fmt.Sprintf("%s (%s)", view.Name, view.SessionID)))
				fmt.Fprint(out, view.Render())
				fmt.Fprintln(out, st.Muted.Render(fmt.Sprintf("%d entries, %d leaves, %d branch points",
					len(view.Nodes), len(view.Leaves), len(view.BranchPoints))))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newBranchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "branch <session> <entry>",
		Short: "Move the session head to an entry; the next turn branches from there",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, appSpec{}, func(ctx context.Context, a *app) error {
				if err := a.engine.BranchTo(ctx, args[0], args[1]); err != nil {
					return err
				}
				info, err := a.engine.Info(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Head is now %s\n", info.Head)
				return nil
			})
		},
	}
}

func newForkCmd(opts *rootOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "fork <session> <entry>",
		Short: "Copy the path up to an entry into a new session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, appSpec{}, func(ctx context.Context, a *app) error {
				forked, err := a.engine.Fork(ctx, args[0], args[1], name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", forked.ID(), forked.Name())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name of the new session (default <source>-fork)")
	return cmd
}

func newCompactCmd(opts *rootOptions) *cobra.Command {
	var summary string
	cmd := &cobra.Command{
		Use:   "compact <session> <start-entry> <end-entry>",
		Short: "Replace a linear run of entries with a summary",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(summary) == "" {
				return fmt.Errorf("--summary is required")
			}
			return withApp(cmd, opts, appSpec{}, func(ctx context.Context, a *app) error {
				id, err := a.engine.Compact(ctx, args[0], args[1], args[2], summary)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Summary entry %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&summary, "summary", "s", "", "summary text")
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return strconv.Itoa(int(d/time.Minute)) + "m"
	case d < 48*time.Hour:
		return strconv.Itoa(int(d/time.Hour)) + "h"
	default:
		return strconv.Itoa(int(d/(24*time.Hour))) + "d"
	}
}

func formatBytes(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%dB", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1fK", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1fM", float64(n)/(1024*1024))
	}
}
