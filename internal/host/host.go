// Package host holds the glue between the control bus process and the
// window it serves: the initial document argument, its delayed
// announcement, and closing the window on termination signals.
package host

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// InitialFileEvent is the event emitted once the window can handle it.
const InitialFileEvent = "initial-file"

// Window is the host window the control bus lives next to.
type Window interface {
	Emit(event string, payload any) error
	Close() error
}

// InitialFilePayload accompanies InitialFileEvent.
type InitialFilePayload struct {
	FilePath *string `json:"file_path"`
}

// ResolveInitialDocument returns the first argument that is not a flag,
// made absolute against cwd. Existing paths are canonicalized; others are
// cleaned lexically.
func ResolveInitialDocument(args []string, cwd string) (string, bool) {
	for _, arg := range args {
		if arg == "" || strings.HasPrefix(arg, "-") {
			continue
		}
		if filepath.IsAbs(arg) {
			return arg, true
		}
		joined := filepath.Join(cwd, arg)
		if _, err := os.Stat(joined); err == nil {
			if resolved, err := filepath.EvalSymlinks(joined); err == nil {
				return resolved, true
			}
		}
		return filepath.Clean(joined), true
	}
	return "", false
}

// NotifyInitialDocument emits InitialFileEvent for path after delay, unless
// ctx ends first.
func NotifyInitialDocument(ctx context.Context, w Window, path string, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	slog.Info("announcing initial document", "path", path)
	return w.Emit(InitialFileEvent, InitialFilePayload{FilePath: &path})
}

// CloseOnSignal returns a context that is cancelled when one of signals
// arrives; the window is closed first. The returned stop function releases
// the signal handler.
func CloseOnSignal(parent context.Context, w Window, signals ...os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, signals...)

	go func() {
		select {
		case sig := <-sigc:
			slog.Info("received termination signal, closing window", "signal", sig.String())
			if err := w.Close(); err != nil {
				slog.Warn("closing window", "error", err)
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigc)
		cancel()
	}
}

// LogWindow is a headless Window that records what it is asked to do in the log.
type LogWindow struct {
	mu     sync.Mutex
	closed bool
}

// Emit logs the event and its payload.
func (w *LogWindow) Emit(event string, payload any) error {
	slog.Info("window event", "event", event, "payload", payload)
	return nil
}

// Close marks the window closed. Calling it again is a no-op.
func (w *LogWindow) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		slog.Info("window closed")
	}
	return nil
}

// Closed reports whether Close was called.
func (w *LogWindow) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
