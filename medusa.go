package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/edaniels/golog"
	"gocv.io/x/gocv"

	"github.com/CerberusData/medusa-project/calibration"
	"github.com/CerberusData/medusa-project/events"
	"github.com/CerberusData/medusa-project/overlay"
)

var (
	// Command-line flags; defaults come from the robot's environment where one
	// exists so a deployed bot needs no flags at all.
	inputStream      = flag.String("input", "", "Video input (device index or stream URL). Empty runs without capture.")
	confPath         = flag.String("conf", envString("CONF_PATH", "./configs"), "Calibration configuration directory")
	videoWidth       = flag.Int("width", envInt("VIDEO_WIDTH", 640), "Video stream width in pixels")
	videoHeight      = flag.Int("height", envInt("VIDEO_HEIGHT", 360), "Video stream height in pixels")
	camLabels        = flag.String("cam-labels", "C", "Comma-separated camera labels with extrinsic calibration")
	showWaypointArea = flag.Bool("show-waypoint-area", envInt("GUI_WAYPOINT_AREA", 1) != 0, "Draw the operating-area polygon outline")
	distortLines     = flag.Bool("distort-lines", true, "Project footprint lines into the raw (distorted) frame")
	display          = flag.Bool("display", false, "Show the overlaid stream in a local window")
	debugMode        = flag.Bool("debug", false, "Enable debug logging")
	debuggerHold     = flag.Duration("debugger-hold", time.Duration(envInt("VISUAL_DEBUGGER_TIME", 10))*time.Second,
		"How long visual debugger messages stay on screen")
)

// envString reads an environment variable with a fallback.
func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt reads an integer environment variable with a fallback.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// streamState holds the boolean stream-mode switches toggled from the web
// client. Pure plumbing: the video node reads these to pick what to encode.
type streamState struct {
	mu      sync.Mutex
	stitch  bool
	rearCam bool
}

func (s *streamState) toggle(t events.StreamToggle) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch t {
	case events.ToggleStitch:
		s.stitch = !s.stitch
		return "stitch", s.stitch
	case events.ToggleRearCam:
		s.rearCam = !s.rearCam
		return "rear_cam", s.rearCam
	default:
		return "unknown", false
	}
}

func main() {
	flag.Parse()

	var logger golog.Logger
	if *debugMode {
		logger = golog.NewDebugLogger("medusa")
	} else {
		logger = golog.NewDevelopmentLogger("medusa")
	}

	store := calibration.NewFileStore(*confPath)
	intrinsics := calibration.NewIntrinsicModel(store, logger)
	defer intrinsics.Close()

	// A failed intrinsic load is not fatal: the overlay stays in its
	// awaiting-calibration state and renders become click-marker-only no-ops.
	if err := intrinsics.Load(*videoWidth, *videoHeight); err != nil {
		logger.Warnw("starting without intrinsic calibration", "error", err)
	}

	labels := strings.Split(*camLabels, ",")
	for i := range labels {
		labels[i] = strings.TrimSpace(labels[i])
	}
	extrinsics := calibration.NewExtrinsicModel(intrinsics, store, labels, logger)
	for _, label := range labels {
		if err := extrinsics.Load(label); err != nil {
			logger.Warnw("starting without extrinsic calibration", "label", label, "error", err)
		}
	}

	cfg := overlay.DefaultConfig()
	cfg.CamLabel = labels[0]
	cfg.ShowWaypointArea = *showWaypointArea
	cfg.DistortLines = *distortLines
	footprint := overlay.NewFootprintOverlay(intrinsics, extrinsics, cfg, logger)
	debugger := overlay.NewVisualDebugger(*debuggerHold, logger)

	dispatcher := events.NewDispatcher(logger)
	defer dispatcher.Close()

	dispatcher.OnCalibrationUpdate(func(update events.CalibrationUpdate) {
		if !extrinsics.Known(update.Label) {
			logger.Warnw("calibration update for unknown camera", "label", update.Label)
			return
		}
		if err := extrinsics.Load(update.Label); err != nil {
			debugger.Show(fmt.Sprintf("extrinsic reload failed for CAM%s", update.Label), overlay.LevelError)
			return
		}
		debugger.Show(fmt.Sprintf("extrinsic parameters for CAM%s updated", update.Label), overlay.LevelOK)
	})
	dispatcher.OnWaypointClick(func(click events.WaypointClick) {
		inside, err := footprint.OnWaypointClick(click.X, click.Y)
		if err != nil {
			debugger.Show("waypoint discarded: camera not calibrated", overlay.LevelError)
			return
		}
		if inside < 0 {
			debugger.Show("waypoint outside drivable area", overlay.LevelWarn)
		}
	})
	dispatcher.OnCurvatureUpdate(func(update events.CurvatureUpdate) {
		footprint.SetCurvature(update.Value)
	})
	robot := &streamState{}
	dispatcher.OnStreamToggle(func(t events.StreamToggle) {
		name, on := robot.toggle(t)
		logger.Infow("stream mode toggled", "mode", name, "enabled", on)
	})

	// Calibration files changing on disk behave like calibration-update
	// events, so a recalibrated camera hot-reloads without a restart.
	watcher, err := calibration.NewWatcher(store, func(label string) {
		dispatcher.PublishCalibrationUpdate(events.CalibrationUpdate{Label: label})
	}, logger)
	if err != nil {
		logger.Warnw("calibration hot-reload disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	if *inputStream == "" {
		logger.Info("no -input given; waiting for signals (event wiring active)")
		waitForSignal(logger)
		return
	}

	capture, err := gocv.OpenVideoCapture(*inputStream)
	if err != nil {
		logger.Fatalw("opening video input", "input", *inputStream, "error", err)
	}
	defer capture.Close()
	capture.Set(gocv.VideoCaptureFrameWidth, float64(*videoWidth))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(*videoHeight))

	var window *gocv.Window
	if *display {
		window = gocv.NewWindow("medusa")
		defer window.Close()
	}

	frame := gocv.NewMat()
	defer frame.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	logger.Infow("starting stream", "input", *inputStream, "width", *videoWidth, "height", *videoHeight)
	for {
		select {
		case sig := <-stop:
			logger.Infow("shutting down", "signal", sig)
			return
		default:
		}

		if ok := capture.Read(&frame); !ok || frame.Empty() {
			logger.Warn("video input closed")
			return
		}

		footprint.Render(&frame)
		debugger.Draw(&frame)

		if window != nil {
			window.IMShow(frame)
			if window.WaitKey(1) == 27 { // ESC
				return
			}
		}
	}
}

func waitForSignal(logger golog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Infow("shutting down", "signal", sig)
}
