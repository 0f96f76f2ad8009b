//go:build windows

package output

import (
	"strconv"

	"golang.org/x/sys/windows"
)

const swRestore = 9

var (
	user32                  = windows.NewLazySystemDLL("user32.dll")
	procSetForegroundWindow = user32.NewProc("SetForegroundWindow")
	procShowWindow          = user32.NewProc("ShowWindow")
	procIsIconic            = user32.NewProc("IsIconic")
)

type windowsFocus struct{}

func newFocusTracker() focusTracker { return windowsFocus{} }

func (windowsFocus) active() (Target, bool) {
	hwnd := windows.GetForegroundWindow()
	if hwnd == 0 {
		return Target{}, false
	}
	class := windowClass(hwnd)
	if IsDesktopSurface(class) {
		return Target{}, false
	}
	return Target{ID: strconv.FormatUint(uint64(hwnd), 10), App: class}, true
}

func (windowsFocus) activate(t Target) bool {
	v, err := strconv.ParseUint(t.ID, 10, 64)
	if err != nil {
		return false
	}
	hwnd := windows.HWND(v)
	if !windows.IsWindow(hwnd) {
		return false
	}
	if iconic, _, _ := procIsIconic.Call(uintptr(hwnd)); iconic != 0 {
		_, _, _ = procShowWindow.Call(uintptr(hwnd), swRestore)
	}
	ok, _, _ := procSetForegroundWindow.Call(uintptr(hwnd))
	return ok != 0
}

func windowClass(hwnd windows.HWND) string {
	buf := make([]uint16, 256)
	n, err := windows.GetClassName(hwnd, &buf[0], int32(len(buf)))
	if err != nil || n == 0 {
		return ""
	}
	return windows.UTF16ToString(buf[:n])
}
