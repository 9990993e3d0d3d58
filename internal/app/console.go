package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MrWong99/parley/internal/gesture"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/types"
)

// Console commands. Any other non-empty line is sent as text.
const (
	cmdMic    = "/mic"
	cmdStop   = "/stop"
	cmdRetry  = "/retry"
	cmdStatus = "/status"
	cmdQuit   = "/quit"
)

var errQuit = errors.New("app: quit requested")

// Console prints session updates as lines of text. It implements
// [session.StatusSink].
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

var _ session.StatusSink = (*Console)(nil)

// NewConsole returns a console printing to out.
func NewConsole(out io.Writer) *Console { return &Console{out: out} }

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *Console) SpeechStatus(status session.SpeechStatus, message string) {
	if message == "" {
		c.printf("[speech] %s", status)
		return
	}
	c.printf("[speech] %s: %s", status, message)
}

func (c *Console) Fallback(state session.FallbackState) {
	switch {
	case !state.Active:
		c.printf("[fallback] off")
	case state.NeedsUserGesture:
		c.printf("[fallback] speech is blocked; press Enter to play it")
	case state.Text == "":
		c.printf("[fallback] done (%s)", state.Reason)
	default:
		c.printf("[fallback] speaking locally (%s): %s", state.Reason, state.Text)
	}
}

func (c *Console) MicStatus(status session.MicStatus, message string) {
	if message == "" {
		c.printf("[mic] %s", status)
		return
	}
	c.printf("[mic] %s: %s", status, message)
}

func (c *Console) Partial(text string) {
	if text != "" {
		c.printf("[partial] %s", text)
	}
}

func (c *Console) Transcript(entry types.TranscriptEntry) {
	who := "interviewer"
	if entry.Speaker == types.SpeakerUser {
		who = "you"
	}
	c.printf("%s %s: %s", entry.Timestamp.Format("15:04:05"), who, entry.Text)
}

// console reads commands from in until ctx ends, in is exhausted or the
// user quits, in which case it returns errQuit. Every line, empty ones
// included, counts as a user gesture.
func (a *App) console(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			if err != nil {
				return fmt.Errorf("app: read commands: %w", err)
			}
			a.log.Info("command input closed")
			return nil
		case line := <-lines:
			a.gestures.Notify(gesture.Keyboard)
			if err := a.command(ctx, strings.TrimSpace(line)); err != nil {
				return err
			}
		}
	}
}

func (a *App) command(ctx context.Context, line string) error {
	l := a.sess.Listener()
	switch line {
	case "":
	case cmdQuit:
		return errQuit
	case cmdMic:
		if err := l.StartMic(ctx); err != nil {
			// The mic status line already told the user.
			a.log.Debug("start mic failed", "err", err)
		}
	case cmdStop:
		l.StopMic()
	case cmdRetry:
		a.sess.Speech().RetryFallback()
	case cmdStatus:
		snap := a.sess.Speech().Playback()
		fmt.Fprintf(a.out, "speech=%s mic=%s playback=%s synth=%s pending_gestures=%d\n",
			a.sess.Speech().Status(), l.Mic(), snap.Mode, a.synth.describe(), a.gestures.Pending())
	default:
		if err := l.SendText(ctx, line); err != nil {
			a.log.Warn("text not sent", "err", err)
			fmt.Fprintf(a.out, "[text] not sent: %v\n", err)
		}
	}
	return nil
}
