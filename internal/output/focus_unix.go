//go:build !windows

package output

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

const focusCommandTimeout = 2 * time.Second

// commandFocus tracks focus with xdotool on X11 and osascript on macOS. Without the
// helper every target is absent, so delivery goes to the clipboard.
type commandFocus struct {
	goos string
	run  func(ctx context.Context, name string, args ...string) (string, error)
}

func newFocusTracker() focusTracker {
	return commandFocus{goos: runtime.GOOS, run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return strings.TrimSpace(string(out)), err
}

func (f commandFocus) active() (Target, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), focusCommandTimeout)
	defer cancel()

	if f.goos == "darwin" {
		app, err := f.run(ctx, "osascript", "-e",
			`tell application "System Events" to get name of first application process whose frontmost is true`)
		if err != nil || app == "" {
			return Target{}, false
		}
		return Target{ID: app, App: app}, true
	}

	id, err := f.run(ctx, "xdotool", "getactivewindow")
	if err != nil || id == "" {
		return Target{}, false
	}
	class, _ := f.run(ctx, "xdotool", "getwindowclassname", id)
	if IsDesktopSurface(class) {
		return Target{}, false
	}
	return Target{ID: id, App: class}, true
}

func (f commandFocus) activate(t Target) bool {
	ctx, cancel := context.WithTimeout(context.Background(), focusCommandTimeout)
	defer cancel()

	if f.goos == "darwin" {
		script := `tell application "` + strings.ReplaceAll(t.ID, `"`, `\"`) + `" to activate`
		_, err := f.run(ctx, "osascript", "-e", script)
		return err == nil
	}
	_, err := f.run(ctx, "xdotool", "windowactivate", "--sync", t.ID)
	return err == nil
}
