// Package events is the in-process boundary to the robot's publish/subscribe
// transport. Calibration updates, waypoint clicks, curvature estimates, and
// stream-mode toggles arrive as events; handlers are bounded, non-blocking,
// and run serialized on a single dispatch goroutine so publishers never stall
// the video pipeline.
package events

import (
	"sync"

	"github.com/edaniels/golog"
)

// CalibrationUpdate identifies a camera whose extrinsic calibration changed.
type CalibrationUpdate struct {
	Label string
}

// WaypointClick carries a user click in normalized (0-1) frame coordinates.
type WaypointClick struct {
	X float64
	Y float64
}

// CurvatureUpdate carries the latest signed steering-curvature estimate.
// Updates overwrite each other: only the latest value matters.
type CurvatureUpdate struct {
	Value float64
}

// StreamToggle flips a boolean stream mode.
type StreamToggle int

const (
	ToggleStitch StreamToggle = iota
	ToggleRearCam
)

// Dispatcher fans events out to registered handlers. Publishing never blocks:
// if the dispatch queue is full the event is dropped with a warning, and
// curvature updates additionally coalesce so a slow consumer only ever sees
// the newest estimate.
type Dispatcher struct {
	mu          sync.RWMutex
	logger      golog.Logger
	calibration []func(CalibrationUpdate)
	clicks      []func(WaypointClick)
	curvature   []func(CurvatureUpdate)
	toggles     []func(StreamToggle)

	queue     chan func()
	curvQueue chan CurvatureUpdate
	done      chan struct{}
	closeOnce sync.Once
}

// NewDispatcher starts the dispatch goroutine.
func NewDispatcher(logger golog.Logger) *Dispatcher {
	d := &Dispatcher{
		logger:    logger,
		queue:     make(chan func(), 64),
		curvQueue: make(chan CurvatureUpdate, 1),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	for {
		select {
		case fn, ok := <-d.queue:
			if !ok {
				return
			}
			fn()
		case update := <-d.curvQueue:
			d.mu.RLock()
			handlers := d.curvature
			d.mu.RUnlock()
			for _, h := range handlers {
				h(update)
			}
		case <-d.done:
			return
		}
	}
}

// OnCalibrationUpdate registers a calibration-update handler.
func (d *Dispatcher) OnCalibrationUpdate(fn func(CalibrationUpdate)) {
	d.mu.Lock()
	d.calibration = append(d.calibration, fn)
	d.mu.Unlock()
}

// OnWaypointClick registers a waypoint-click handler.
func (d *Dispatcher) OnWaypointClick(fn func(WaypointClick)) {
	d.mu.Lock()
	d.clicks = append(d.clicks, fn)
	d.mu.Unlock()
}

// OnCurvatureUpdate registers a curvature handler.
func (d *Dispatcher) OnCurvatureUpdate(fn func(CurvatureUpdate)) {
	d.mu.Lock()
	d.curvature = append(d.curvature, fn)
	d.mu.Unlock()
}

// OnStreamToggle registers a stream-toggle handler.
func (d *Dispatcher) OnStreamToggle(fn func(StreamToggle)) {
	d.mu.Lock()
	d.toggles = append(d.toggles, fn)
	d.mu.Unlock()
}

// enqueue schedules one handler fan-out without blocking the publisher.
func (d *Dispatcher) enqueue(kind string, fn func()) {
	select {
	case d.queue <- fn:
	default:
		d.logger.Warnw("event queue full, dropping event", "kind", kind)
	}
}

// PublishCalibrationUpdate delivers a calibration-update event.
func (d *Dispatcher) PublishCalibrationUpdate(update CalibrationUpdate) {
	d.enqueue("calibration", func() {
		d.mu.RLock()
		handlers := d.calibration
		d.mu.RUnlock()
		for _, h := range handlers {
			h(update)
		}
	})
}

// PublishWaypointClick delivers a waypoint-click event.
func (d *Dispatcher) PublishWaypointClick(click WaypointClick) {
	d.enqueue("waypoint", func() {
		d.mu.RLock()
		handlers := d.clicks
		d.mu.RUnlock()
		for _, h := range handlers {
			h(click)
		}
	})
}

// PublishCurvatureUpdate replaces any undelivered curvature estimate with the
// new one.
func (d *Dispatcher) PublishCurvatureUpdate(update CurvatureUpdate) {
	for {
		select {
		case d.curvQueue <- update:
			return
		default:
			// Queue holds a stale estimate; drain and retry with the new one.
			select {
			case <-d.curvQueue:
			default:
			}
		}
	}
}

// PublishStreamToggle delivers a stream-toggle event.
func (d *Dispatcher) PublishStreamToggle(toggle StreamToggle) {
	d.enqueue("toggle", func() {
		d.mu.RLock()
		handlers := d.toggles
		d.mu.RUnlock()
		for _, h := range handlers {
			h(toggle)
		}
	})
}

// Close stops the dispatch goroutine. Pending events are dropped.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
}
