package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/harun/loom/pkg/agent"
	"github.com/harun/loom/pkg/msgqueue"
	"github.com/spf13/cobra"
)

const chatHelp = `Commands:
  /steer <text>     redirect the running turn at its next tool checkpoint
  /followup <text>  queue a message for after the running turn
  /abort            cancel the running turn
  /resume           continue from the head without new input
  /status           show the queue
  /tree             show the session tree
  /quit             leave (waits for the running turn)
Plain text starts a turn, or is queued as a follow-up while one runs.`

func newChatCmd(opts *rootOptions) *cobra.Command {
	var (
		name          string
		maxIterations int
	)
	cmd := &cobra.Command{
		Use:   "chat [session]",
		Short: "Chat interactively in a session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newSyncWriter(cmd.OutOrStdout())
			st := newStyles(cmd.OutOrStdout())
			spec := appSpec{model: true, observer: activityPrinter(out, st)}
			return withApp(cmd, opts, spec, func(ctx context.Context, a *app) error {
				if err := a.engine.Start(); err != nil {
					return err
				}
				ref := ""
				if len(args) == 1 {
					ref = args[0]
				}
				c, err := newChat(ctx, a, ref, name, maxIterations, out, st)
				if err != nil {
					return err
				}
				return c.run(ctx, cmd.InOrStdin())
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name for a newly created session")
	cmd.Flags().IntVarP(&maxIterations, "max-iterations", "m", 0, "tool rounds allowed per turn (default from config)")
	return cmd
}

type turnOutcome struct {
	result agent.TurnResult
	err    error
}

// chat multiplexes user input with a running turn. Only the run loop
// goroutine touches its fields.
type chat struct {
	app           *app
	sessionID     string
	maxIterations int
	out           io.Writer
	st            styles

	running  bool
	quitting bool
	done     chan turnOutcome
}

func newChat(ctx context.Context, a *app, ref, name string, maxIterations int, out io.Writer, st styles) (*chat, error) {
	var id string
	if ref != "" {
		sess, err := a.engine.ResumeSession(ctx, ref)
		if err != nil {
			return nil, describeTurnError(err)
		}
		id = sess.ID()
	} else {
		sess, err := a.engine.CreateSession(ctx, name)
		if err != nil {
			return nil, err
		}
		id = sess.ID()
	}
	return &chat{
		app:           a,
		sessionID:     id,
		maxIterations: maxIterations,
		out:           out,
		st:            st,
		done:          make(chan turnOutcome, 1),
	}, nil
}

func (c *chat) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	info, err := c.app.engine.Info(ctx, c.sessionID)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, c.st.Title.Render(fmt.Sprintf("session %s (%s), %d entries", info.Name, info.ID, info.Entries)))
	fmt.Fprintln(c.out, c.st.Muted.Render("type /help for commands"))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if !c.running && c.quitting {
			return nil
		}
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				c.quitting = true
				continue
			}
			c.handle(ctx, line)
		case outcome := <-c.done:
			c.running = false
			c.report(outcome)
			c.startFollowUps(ctx)
		case <-ctx.Done():
			if c.running {
				c.app.engine.Abort(c.sessionID)
				<-c.done
			}
			return ctx.Err()
		}
	}
}

func (c *chat) handle(ctx context.Context, line string) {
	text := strings.TrimSpace(line)
	if text == "" {
		return
	}
	eng := c.app.engine

	command, arg := text, ""
	if strings.HasPrefix(text, "/") {
		if i := strings.IndexByte(text, ' '); i > 0 {
			command, arg = text[:i], strings.TrimSpace(text[i+1:])
		}
	} else {
		command = ""
	}

	switch command {
	case "":
		c.submit(ctx, msgqueue.KindFollowUp, text)
	case "/steer":
		c.submit(ctx, msgqueue.KindSteering, arg)
	case "/followup":
		c.submit(ctx, msgqueue.KindFollowUp, arg)
	case "/abort":
		if !eng.Abort(c.sessionID) {
			c.note("no turn is running")
		}
	case "/resume":
		if c.running {
			c.note("a turn is already running")
			return
		}
		c.start(ctx, "")
	case "/status":
		state := "idle"
		if c.running {
			state = "running"
		}
		c.note(fmt.Sprintf("%s; %s", state, eng.QueueStatus(c.sessionID)))
	case "/tree":
		view, err := eng.TreeView(ctx, c.sessionID)
		if err != nil {
			c.fail(err)
			return
		}
		fmt.Fprint(c.out, view.Render())
	case "/quit", "/exit":
		c.quitting = true
	case "/help":
		fmt.Fprintln(c.out, chatHelp)
	default:
		c.fail(fmt.Errorf("unknown command %s (try /help)", command))
	}
}

// submit starts a turn when idle; otherwise it queues text as kind.
func (c *chat) submit(ctx context.Context, kind msgqueue.Kind, text string) {
	if strings.TrimSpace(text) == "" {
		c.fail(fmt.Errorf("message text cannot be empty"))
		return
	}
	if !c.running {
		c.start(ctx, text)
		return
	}
	if _, err := c.app.engine.Enqueue(c.sessionID, kind, text); err != nil {
		c.fail(err)
		return
	}
	c.note(fmt.Sprintf("queued %s", strings.ReplaceAll(string(kind), "_", "-")))
}

func (c *chat) start(ctx context.Context, text string) {
	c.running = true
	go func() {
		result, err := c.app.engine.RunTurn(ctx, c.sessionID, text, c.maxIterations)
		c.done <- turnOutcome{result: result, err: err}
	}()
}

// startFollowUps runs queued follow-ups, and steering that arrived too late
// for a checkpoint, as the next turn.
func (c *chat) startFollowUps(ctx context.Context) {
	eng := c.app.engine
	pending := eng.DrainFollowUps(c.sessionID)
	if len(pending) == 0 {
		pending = eng.ClearQueue(c.sessionID)
	}
	if len(pending) == 0 || ctx.Err() != nil {
		return
	}
	c.start(ctx, msgqueue.JoinText(pending))
}

func (c *chat) report(o turnOutcome) {
	if o.err != nil {
		c.fail(describeTurnError(o.err))
		return
	}
	fmt.Fprintln(c.out, c.st.Accent.Render("loom: ")+o.result.Text)
	c.note(fmt.Sprintf("%d tool round(s), %d+%d tokens, %s",
		o.result.Iterations, o.result.Usage.InputTokens, o.result.Usage.OutputTokens, o.result.Duration.Round(time.Millisecond)))
}

func (c *chat) note(s string) {
	fmt.Fprintln(c.out, c.st.Muted.Render(s))
}

func (c *chat) fail(err error) {
	fmt.Fprintln(c.out, c.st.Error.Render("error: "+err.Error()))
}
