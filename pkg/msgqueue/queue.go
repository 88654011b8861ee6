// Package msgqueue buffers steering and follow-up input for agent turns.
package msgqueue

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind distinguishes steering input from follow-up input.
type Kind string

const (
	// KindSteering redirects a running turn at its next checkpoint.
	KindSteering Kind = "steering"
	// KindFollowUp waits for the running turn to finish.
	KindFollowUp Kind = "follow_up"
)

// Mode controls how many messages a drain returns.
type Mode string

const (
	ModeAll        Mode = "all"
	ModeOneAtATime Mode = "one-at-a-time"
)

var (
	ErrEmptyMessage = errors.New("message text cannot be empty")
	ErrUnknownKind  = errors.New("unknown message kind")
	ErrUnknownMode  = errors.New("unknown queue mode")
)

// ParseKind accepts the canonical kind names and common spellings.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "steering", "steer":
		return KindSteering, nil
	case "follow_up", "followup", "follow-up":
		return KindFollowUp, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// ParseMode parses a queue mode. An empty string selects ModeAll.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAll:
		return ModeAll, nil
	case ModeOneAtATime:
		return ModeOneAtATime, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Message is one pending input.
type Message struct {
	Kind       Kind      `json:"kind"`
	Text       string    `json:"text"`
	Seq        uint64    `json:"seq"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue holds pending steering and follow-up messages for one session.
// Each kind is FIFO. Safe for concurrent use.
type Queue struct {
	mu           sync.Mutex
	steering     []Message
	followUps    []Message
	seq          uint64
	steeringMode Mode
	followUpMode Mode
	notify       chan struct{}
}

// New returns an empty queue. Steering defaults to ModeAll and follow-ups to
// ModeOneAtATime.
func New() *Queue {
	return &Queue{
		steeringMode: ModeAll,
		followUpMode: ModeOneAtATime,
		notify:       make(chan struct{}, 1),
	}
}

// SetModes changes the drain modes. Empty values keep the current mode.
func (q *Queue) SetModes(steering, followUp Mode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if steering != "" {
		q.steeringMode = steering
	}
	if followUp != "" {
		q.followUpMode = followUp
	}
}

// Modes returns the current steering and follow-up drain modes.
func (q *Queue) Modes() (Mode, Mode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.steeringMode, q.followUpMode
}

// Enqueue adds a message and signals Notify.
func (q *Queue) Enqueue(kind Kind, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyMessage
	}
	if kind != KindSteering && kind != KindFollowUp {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	q.mu.Lock()
	q.seq++
	msg := Message{Kind: kind, Text: text, Seq: q.seq, EnqueuedAt: time.Now()}
	if kind == KindSteering {
		q.steering = append(q.steering, msg)
	} else {
		q.followUps = append(q.followUps, msg)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	log.Debug().Str("kind", string(kind)).Uint64("seq", msg.Seq).Msg("Message queued")
	return msg, nil
}

// Notify returns a channel that receives a value after an enqueue. Signals
// coalesce; receivers should re-check the queue.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// DrainSteering removes and returns pending steering messages per the
// steering mode.
func (q *Queue) DrainSteering() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Message
	out, q.steering = take(q.steering, q.steeringMode)
	return out
}

// DrainFollowUps removes and returns pending follow-ups per the follow-up mode.
func (q *Queue) DrainFollowUps() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Message
	out, q.followUps = take(q.followUps, q.followUpMode)
	return out
}

func take(pending []Message, mode Mode) ([]Message, []Message) {
	if len(pending) == 0 {
		return nil, nil
	}
	if mode == ModeOneAtATime {
		first := []Message{pending[0]}
		rest := append([]Message(nil), pending[1:]...)
		return first, rest
	}
	return pending, nil
}

// HasSteering reports whether steering messages are pending.
func (q *Queue) HasSteering() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.steering) > 0
}

// HasFollowUps reports whether follow-up messages are pending.
func (q *Queue) HasFollowUps() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.followUps) > 0
}

// Len returns the number of pending messages of both kinds.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.steering) + len(q.followUps)
}

// Peek returns the next message without removing it. Steering comes first.
func (q *Queue) Peek() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.steering) > 0 {
		return q.steering[0], true
	}
	if len(q.followUps) > 0 {
		return q.followUps[0], true
	}
	return Message{}, false
}

// Clear removes every pending message and returns them in enqueue order.
func (q *Queue) Clear() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Message, 0, len(q.steering)+len(q.followUps))
	i, j := 0, 0
	for i < len(q.steering) || j < len(q.followUps) {
		if j >= len(q.followUps) || (i < len(q.steering) && q.steering[i].Seq < q.followUps[j].Seq) {
			out = append(out, q.steering[i])
			i++
		} else {
			out = append(out, q.followUps[j])
			j++
		}
	}
	q.steering, q.followUps = nil, nil
	return out
}

// Status describes the pending messages, e.g. "Queued: 2 steering, 1 follow-up".
func (q *Queue) Status() string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.steering) == 0 && len(q.followUps) == 0 {
		return "Queue empty"
	}
	var parts []string
	if n := len(q.steering); n > 0 {
		parts = append(parts, fmt.Sprintf("%d steering", n))
	}
	if n := len(q.followUps); n > 0 {
		parts = append(parts, fmt.Sprintf("%d follow-up", n))
	}
	return "Queued: " + strings.Join(parts, ", ")
}

// JoinText merges message texts with newlines.
func JoinText(msgs []Message) string {
	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.Text
	}
	return strings.Join(texts, "\n")
}
