package overlay

import (
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"gocv.io/x/gocv"
)

// MessageLevel classifies a visual debugger message and selects its color.
type MessageLevel int

const (
	LevelInfo MessageLevel = iota
	LevelWarn
	LevelError
	LevelOK
)

func (l MessageLevel) String() string {
	switch l {
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelOK:
		return "OK"
	default:
		return "UNKNOWN"
	}
}

func (l MessageLevel) color() color.RGBA {
	switch l {
	case LevelError:
		return color.RGBA{R: 255, A: 255}
	case LevelWarn:
		return color.RGBA{R: 255, G: 255, A: 255}
	case LevelOK:
		return color.RGBA{G: 255, A: 255}
	default:
		return color.RGBA{R: 255, G: 255, B: 255, A: 255}
	}
}

// VisualDebugger draws a transient diagnostic message in the lower-left
// corner of the stream. Each Show replaces the previous message and arms an
// expiry deadline; Draw is a no-op once the deadline passes. Expiry is
// deadline-based so event handlers never block while a message is on screen.
type VisualDebugger struct {
	mu       sync.Mutex
	msg      string
	level    MessageLevel
	deadline time.Time
	hold     time.Duration
	logger   golog.Logger
}

// NewVisualDebugger returns a debugger whose messages stay on screen for the
// given hold duration.
func NewVisualDebugger(hold time.Duration, logger golog.Logger) *VisualDebugger {
	return &VisualDebugger{hold: hold, logger: logger}
}

// Show replaces the current message and restarts the hold timer.
func (v *VisualDebugger) Show(msg string, level MessageLevel) {
	v.mu.Lock()
	v.msg = msg
	v.level = level
	v.deadline = time.Now().Add(v.hold)
	v.mu.Unlock()
	v.logger.Debugw("visual debugger message", "level", level.String(), "msg", msg)
}

// Clear drops the current message immediately.
func (v *VisualDebugger) Clear() {
	v.mu.Lock()
	v.msg = ""
	v.mu.Unlock()
}

// Active reports whether a message is currently displayable.
func (v *VisualDebugger) Active() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.msg != "" && time.Now().Before(v.deadline)
}

// Draw renders the current message onto the frame, if one is active.
func (v *VisualDebugger) Draw(frame *gocv.Mat) {
	v.mu.Lock()
	msg, level, deadline := v.msg, v.level, v.deadline
	v.mu.Unlock()

	if msg == "" || time.Now().After(deadline) {
		return
	}
	origin := image.Pt(10, int(float64(frame.Rows())*0.95))
	gocv.PutText(frame, msg, origin, gocv.FontHersheySimplex, 0.7, level.color(), 2)
}
