//go:build linux

package focus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

// Tracker finds the focused window on Linux. Under GNOME it asks the shell
// over D-Bus; on X11 it falls back to xdotool and then xprop.
type Tracker struct {
	logger *slog.Logger
	run    func(ctx context.Context, name string, args ...string) ([]byte, error)

	mu       sync.Mutex
	conn     *dbus.Conn
	dbusDead bool
}

// NewTracker creates a tracker for the current session.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{logger: logger, run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Focused returns the focused window.
func (t *Tracker) Focused(ctx context.Context) (Info, error) {
	var errs []error

	info, err := t.fromGnomeShell(ctx)
	if err == nil {
		return info, nil
	}
	errs = append(errs, fmt.Errorf("gnome shell: %w", err))

	if os.Getenv("DISPLAY") == "" {
		errs = append(errs, ErrUnsupported)
		return Unknown, errors.Join(errs...)
	}

	if info, err = t.fromXdotool(ctx); err == nil {
		return info, nil
	}
	errs = append(errs, fmt.Errorf("xdotool: %w", err))

	if info, err = t.fromXprop(ctx); err == nil {
		return info, nil
	}
	errs = append(errs, fmt.Errorf("xprop: %w", err))

	return Unknown, errors.Join(errs...)
}

// Close releases the D-Bus connection.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

func (t *Tracker) sessionBus() (*dbus.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dbusDead {
		return nil, ErrUnsupported
	}
	if t.conn != nil {
		return t.conn, nil
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		t.dbusDead = true
		return nil, err
	}
	t.conn = conn
	return conn, nil
}

func (t *Tracker) fromGnomeShell(ctx context.Context) (Info, error) {
	if !strings.Contains(strings.ToLower(os.Getenv("XDG_CURRENT_DESKTOP")), "gnome") {
		return Info{}, ErrUnsupported
	}
	conn, err := t.sessionBus()
	if err != nil {
		return Info{}, err
	}

	var ok bool
	var result string
	obj := conn.Object("org.gnome.Shell", "/org/gnome/Shell")
	call := obj.CallWithContext(ctx, "org.gnome.Shell.Eval", 0, gnomeFocusScript)
	if err := call.Store(&ok, &result); err != nil {
		return Info{}, err
	}

	info, pid, err := parseGnomeEval(ok, result)
	if err != nil {
		// Shell versions 41+ disable Eval outside unsafe mode; stop asking.
		if !ok {
			t.mu.Lock()
			t.dbusDead = true
			t.mu.Unlock()
			t.logger.Debug("gnome shell eval unavailable, using X11 tools")
		}
		return Info{}, err
	}
	if info.AppName == "" {
		info.AppName = processName(pid)
	}
	return info, nil
}

func (t *Tracker) fromXdotool(ctx context.Context) (Info, error) {
	out, err := t.run(ctx, "xdotool", "getactivewindow")
	if err != nil {
		return Info{}, err
	}
	windowID := strings.TrimSpace(string(out))

	var info Info
	if out, err := t.run(ctx, "xdotool", "getwindowname", windowID); err == nil {
		info.WindowTitle = strings.TrimSpace(string(out))
	}
	if out, err := t.run(ctx, "xdotool", "getwindowpid", windowID); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(out))); err == nil {
			info.AppName = processName(pid)
		}
	}
	return info, nil
}

func (t *Tracker) fromXprop(ctx context.Context) (Info, error) {
	out, err := t.run(ctx, "xprop", "-root", "_NET_ACTIVE_WINDOW")
	if err != nil {
		return Info{}, err
	}
	windowID, err := parseXpropActive(string(out))
	if err != nil {
		return Info{}, err
	}

	out, err = t.run(ctx, "xprop", "-id", windowID, "WM_NAME", "WM_CLASS", "_NET_WM_PID")
	if err != nil {
		return Info{}, err
	}
	info, pid := parseXpropWindow(string(out))
	if info.AppName == "" {
		info.AppName = processName(pid)
	}
	return info, nil
}

// processName resolves the executable name of pid through /proc.
func processName(pid int) string {
	if pid <= 0 {
		return ""
	}
	if target, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid)); err == nil {
		return filepath.Base(target)
	}
	if comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid)); err == nil {
		return strings.TrimSpace(string(comm))
	}
	return ""
}
