// Package cancel implements the Cancellation Fabric (spec §4.G): a
// single per-turn cancellation token shared by the Chat Stream Client,
// parallel tool execution, and any nested sub-agent Loop, fed by an
// interactive Escape-keypress watcher, POSIX SIGINT, or a wall-clock
// timeout — whichever fires first wins.
package cancel

import (
	"context"
	"io"
	"time"

	"golang.org/x/term"
)

// escapeSequenceWindow is how long EscapeWatcher waits after a bare ESC
// byte (0x1b) for a following byte before concluding it was a standalone
// Escape keypress rather than the first byte of an arrow-key or other
// escape sequence (spec §4.G "a bare Escape keypress (distinguished from
// escape sequences by a timeout after the ESC byte)").
const escapeSequenceWindow = 50 * time.Millisecond

// EscapeWatcher reads raw bytes from a terminal file descriptor and
// cancels ctx's cancel func the first time it sees a bare Escape
// keypress. It restores the terminal's prior mode on return.
//
// Watch must run in its own goroutine; it blocks until ctx is done or
// its read loop hits an unrecoverable error. fd is typically
// int(os.Stdin.Fd()); r must read from that same descriptor.
type EscapeWatcher struct {
	fd int
	r  io.Reader
}

// NewEscapeWatcher builds a watcher over fd/r. Use NewEscapeWatcher only
// when term.IsTerminal(fd) — callers running non-interactively (piped
// stdin, exec mode) should skip installing a watcher entirely rather
// than constructing one that will fail to enter raw mode.
func NewEscapeWatcher(fd int, r io.Reader) *EscapeWatcher {
	return &EscapeWatcher{fd: fd, r: r}
}

// Watch puts the terminal into raw mode and blocks, calling cancel the
// moment a bare Escape keypress is detected or ctx is already done. It
// always restores the terminal's original state before returning, and
// is safe to call from a dedicated goroutine racing against the rest of
// a turn's work.
func (w *EscapeWatcher) Watch(ctx context.Context, cancel context.CancelFunc) error {
	oldState, err := term.MakeRaw(w.fd)
	if err != nil {
		return err
	}
	defer term.Restore(w.fd, oldState)

	buf := make([]byte, 1)
	pending := false
	var timer *time.Timer

	readDone := make(chan struct{})
	readErr := make(chan error, 1)
	byteCh := make(chan byte)

	go func() {
		defer close(readDone)
		for {
			n, err := w.r.Read(buf)
			if n > 0 {
				select {
				case byteCh <- buf[0]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		var timeoutCh <-chan time.Time
		if timer != nil {
			timeoutCh = timer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case b := <-byteCh:
			if pending {
				// A byte arrived before the window closed: this was an
				// escape sequence (arrow key, function key, ...), not a
				// bare Escape. Stop waiting on it.
				pending = false
				if timer != nil {
					timer.Stop()
					timer = nil
				}
				continue
			}
			if b == 0x1b {
				pending = true
				timer = time.NewTimer(escapeSequenceWindow)
			}
		case <-timeoutCh:
			// No follow-up byte arrived within the window: a bare
			// Escape keypress (spec §4.G).
			cancel()
			return nil
		case err := <-readErr:
			return err
		case <-readDone:
			return nil
		}
	}
}
