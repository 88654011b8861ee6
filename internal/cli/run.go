package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/harun/loom/pkg/agent"
	"github.com/harun/loom/pkg/session"
	"github.com/spf13/cobra"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		sessionRef    string
		name          string
		maxIterations int
		asJSON        bool
		quiet         bool
	)
	cmd := &cobra.Command{
		Use:   "run [text...]",
		Short: "Run one turn and print the answer",
		Long: `Run one agent turn. Without --session a new session is created.
With no text, the turn resumes from the session head (for example after an
interrupted tool call).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			errOut := newSyncWriter(cmd.ErrOrStderr())
			st := newStyles(cmd.ErrOrStderr())
			spec := appSpec{model: true}
			if !quiet {
				spec.observer = activityPrinter(errOut, st)
			}
			return withApp(cmd, opts, spec, func(ctx context.Context, a *app) error {
				ref := sessionRef
				if ref == "" {
					sess, err := a.engine.CreateSession(ctx, name)
					if err != nil {
						return err
					}
					ref = sess.ID()
					fmt.Fprintln(errOut, st.Muted.Render("session "+ref))
				}

				result, err := a.engine.RunTurn(ctx, ref, text, maxIterations)
				if err != nil {
					return describeTurnError(err)
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return writeJSON(out, result)
				}
				fmt.Fprintln(out, result.Text)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&sessionRef, "session", "s", "", "session id, name, or id prefix")
	cmd.Flags().StringVar(&name, "name", "", "name for a newly created session")
	cmd.Flags().IntVarP(&maxIterations, "max-iterations", "m", 0, "tool rounds allowed (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the turn result as JSON")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print tool activity")
	return cmd
}

// describeTurnError adds a hint for the failures a user can act on.
func describeTurnError(err error) error {
	switch {
	case errors.Is(err, agent.ErrIterationLimitExceeded):
		return fmt.Errorf("%w (run again with no text to continue)", err)
	case errors.Is(err, agent.ErrNothingToResume):
		return fmt.Errorf("%w (the session already ends with an answer)", err)
	case errors.Is(err, session.ErrNotFound):
		return fmt.Errorf("%w (see: loom sessions list)", err)
	}
	return err
}

// activityPrinter reports tool calls, results, and retries as a turn runs.
func activityPrinter(w io.Writer, st styles) agent.Observer {
	return func(ev agent.Event) {
		switch ev.Type {
		case agent.EventEntry:
			if ev.Entry == nil {
				return
			}
			switch c := ev.Entry.Content; {
			case c.ToolCall != nil:
				fmt.Fprintln(w, st.Muted.Render(fmt.Sprintf("→ %s %s", c.ToolCall.Name, truncate(string(c.ToolCall.Arguments), 80))))
			case c.ToolResult != nil && c.ToolResult.IsError:
				fmt.Fprintln(w, st.Error.Render(fmt.Sprintf("✗ %s: %s", c.ToolResult.Name, truncate(c.ToolResult.Output, 120))))
			case c.ToolResult != nil:
				fmt.Fprintln(w, st.Muted.Render(fmt.Sprintf("✓ %s", c.ToolResult.Name)))
			}
		case agent.EventRetry:
			fmt.Fprintln(w, st.Muted.Render(fmt.Sprintf("retrying in %s: %v", ev.Delay, ev.Err)))
		}
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// syncWriter serializes writes from the turn goroutine and the command.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newSyncWriter(w io.Writer) *syncWriter {
	return &syncWriter{w: w}
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
