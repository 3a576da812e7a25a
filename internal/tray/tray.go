// Package tray provides a system tray menu for the posekit service.
package tray

import (
	"fmt"
	"sync"

	"github.com/getlantern/systray"

	"github.com/ayusman/posekit/internal/events"
)

// Tray represents the system tray application.
type Tray struct {
	onToggle     func(enabled bool)
	onDashboard  func()
	onReleaseAll func()
	onQuit       func()
	enabled      bool
	sessions     int
	last         string
	mu           sync.RWMutex

	// Menu items stored for later updates
	menuToggle   *systray.MenuItem
	menuSessions *systray.MenuItem
	menuLast     *systray.MenuItem
}

// New creates a new Tray. enabled is the initial camera state.
func New(enabled bool) *Tray {
	return &Tray{
		enabled: enabled,
		last:    "none",
	}
}

// OnToggle sets the callback function to be called when the camera is toggled.
func (t *Tray) OnToggle(fn func(enabled bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onToggle = fn
}

// OnDashboard sets the callback for the dashboard menu item.
func (t *Tray) OnDashboard(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDashboard = fn
}

// OnReleaseAll sets the callback for the release-all menu item.
func (t *Tray) OnReleaseAll(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReleaseAll = fn
}

// OnQuit sets the callback function to be called when the quit menu item is clicked.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until systray.Quit() is called.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit stops a running tray.
func (t *Tray) Quit() {
	systray.Quit()
}

// onReady is called when the system tray is ready.
// It sets up the menu structure.
func (t *Tray) onReady() {
	systray.SetTitle("posekit")
	systray.SetTooltip("posekit pose detection")

	t.mu.Lock()
	t.menuToggle = systray.AddMenuItem(toggleTitle(t.enabled), "Toggle the camera source")
	systray.AddSeparator()

	t.menuSessions = systray.AddMenuItem(sessionsTitle(t.sessions), "Live detector sessions")
	t.menuSessions.Disable()
	t.menuLast = systray.AddMenuItem("Last: "+t.last, "Last detection")
	t.menuLast.Disable()
	t.mu.Unlock()
	systray.AddSeparator()

	menuDashboard := systray.AddMenuItem("Open Dashboard...", "Open the dashboard in a browser")
	menuReleaseAll := systray.AddMenuItem("Release All Detectors", "Release every detector session")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit posekit")

	// Handle menu item clicks in a separate goroutine
	go func() {
		for {
			select {
			case <-t.menuToggle.ClickedCh:
				t.handleToggle()
			case <-menuDashboard.ClickedCh:
				t.call(func() func() { return t.onDashboard })
			case <-menuReleaseAll.ClickedCh:
				t.call(func() func() { return t.onReleaseAll })
			case <-menuQuit.ClickedCh:
				t.call(func() func() { return t.onQuit })
				systray.Quit()
				return
			}
		}
	}()
}

// onExit is called when the system tray is about to exit.
func (t *Tray) onExit() {}

// call runs the callback selected by get outside the lock.
func (t *Tray) call(get func() func()) {
	t.mu.RLock()
	callback := get()
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

// handleToggle handles the toggle menu item click.
func (t *Tray) handleToggle() {
	t.mu.Lock()
	t.enabled = !t.enabled
	enabled := t.enabled
	if t.menuToggle != nil {
		t.menuToggle.SetTitle(toggleTitle(enabled))
	}
	callback := t.onToggle
	t.mu.Unlock()

	// Call the callback outside the lock to prevent deadlocks
	if callback != nil {
		callback(enabled)
	}
}

// SetSessions updates the live session count.
func (t *Tray) SetSessions(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sessions = n
	if t.menuSessions != nil {
		t.menuSessions.SetTitle(sessionsTitle(n))
	}
}

// ObserveEvent shows ev as the last detection. Its signature matches the
// event hub tap.
func (t *Tray) ObserveEvent(ev events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last = DescribeEvent(ev)
	if t.menuLast != nil {
		t.menuLast.SetTitle("Last: " + t.last)
	}
}

// IsEnabled returns the current camera state.
func (t *Tray) IsEnabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

// Last returns the description of the last observed event.
func (t *Tray) Last() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last
}

func toggleTitle(enabled bool) string {
	if enabled {
		return "● Camera On"
	}
	return "○ Camera Off"
}

func sessionsTitle(n int) string {
	if n == 1 {
		return "1 session"
	}
	return fmt.Sprintf("%d sessions", n)
}

// DescribeEvent renders ev for the menu.
func DescribeEvent(ev events.Event) string {
	if ev.Err != nil {
		return fmt.Sprintf("#%d error %d", ev.Handle, ev.Err.Code)
	}
	if ev.Result == nil {
		return "none"
	}
	return fmt.Sprintf("#%d %d pose(s) in %dms", ev.Handle, ev.Result.NumPoses(), ev.Result.InferenceTime.Milliseconds())
}
