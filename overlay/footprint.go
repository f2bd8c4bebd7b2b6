// Package overlay renders the vehicle footprint projection and related
// diagnostics onto live video frames. Rendering mutates the frame in place
// through gocv draw primitives; one render call per delivered frame.
package overlay

import (
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/CerberusData/medusa-project/calibration"
	"github.com/CerberusData/medusa-project/projection"
)

// ErrNoCalibration reports an operation that needs a calibrated camera before
// any successful extrinsic load.
var ErrNoCalibration = errors.New("camera not calibrated")

// Config tunes the footprint projection drawing.
type Config struct {
	CamLabel string

	// CurvOffset sharpens the outward-turn edge: the right-edge quadratic term
	// is scaled asymmetrically above/below zero curvature.
	CurvOffset float64
	// BotWidth and BotMargin are the vehicle width and safety margin in
	// meters; together they set the lateral offset of the two edge curves.
	BotWidth  float64
	BotMargin float64

	// TickLen is the horizontal tick length drawn at each distance-band
	// transition. VertThickness/HorzThickness are the base line widths.
	TickLen       int
	VertThickness int
	HorzThickness int

	// ShowWaypointArea draws the operating-area polygon outline.
	ShowWaypointArea bool
	// DistortLines projects curve samples into the raw (distorted) frame;
	// when false, samples stay on the undistorted plane and are tested
	// against the undistorted polygon.
	DistortLines bool

	// Colors and DistanceBands pair up: segment styling steps through the
	// palette each time the accumulated real-world distance crosses a band.
	Colors        []color.RGBA
	DistanceBands []float64
}

// DefaultConfig mirrors the calibrated rover's tuning.
func DefaultConfig() Config {
	return Config{
		CamLabel:      "C",
		CurvOffset:    0.003,
		BotWidth:      0.5,
		BotMargin:     0.08,
		TickLen:       10,
		VertThickness: 2,
		HorzThickness: 2,
		DistortLines:  true,
		Colors: []color.RGBA{
			{R: 255, A: 255},                 // red, nearest band
			{R: 218, G: 165, B: 32, A: 255},  // goldenrod
			{R: 255, G: 255, A: 255},         // yellow
			{G: 255, A: 255},                 // green, farthest band
		},
		DistanceBands: []float64{1.0, 1.5, 3.0, 5.0},
	}
}

var (
	markerOuter = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	markerInner = color.RGBA{R: 255, A: 255}
	areaOutline = color.RGBA{G: 200, A: 255}
	centerWhite = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// curveCoefficients are the quadratic coefficients of the left and right
// footprint edge curves on the bird's-eye plane, x = A*y^2 + B*y + C.
type curveCoefficients struct {
	AL, BL, CL float64
	AR, BR, CR float64
}

// FootprintOverlay projects the vehicle's predicted footprint path into a
// camera frame. It cycles through four states for the process lifetime:
// uninitialized / awaiting calibration (extrinsics absent), dirty
// (calibration changed since the last render), and ready. A render call in
// the dirty state recomputes the cached geometry and clears the token.
type FootprintOverlay struct {
	mu         sync.Mutex
	cfg        Config
	intrinsics *calibration.IntrinsicModel
	extrinsics *calibration.ExtrinsicModel
	token      *calibration.InvalidationToken
	logger     golog.Logger

	curvature float64
	coeffs    curveCoefficients

	hasClick    bool
	clickXNorm  float64
	clickYNorm  float64
	clickInside float64

	// Cached geometry, valid while the invalidation token is clean.
	yLimit         int
	centerLine     [2]image.Point
	haveCenterLine bool
	bandDistances  []float64
}

// NewFootprintOverlay registers the overlay as a calibration consumer and
// returns it in the awaiting-calibration state.
func NewFootprintOverlay(
	intrinsics *calibration.IntrinsicModel,
	extrinsics *calibration.ExtrinsicModel,
	cfg Config,
	logger golog.Logger,
) *FootprintOverlay {
	return &FootprintOverlay{
		cfg:        cfg,
		intrinsics: intrinsics,
		extrinsics: extrinsics,
		token:      extrinsics.RegisterConsumer("footprint_overlay"),
		logger:     logger,
	}
}

// SetCurvature stores the latest steering-curvature estimate and recomputes
// the edge-curve coefficients. The right edge's quadratic term is offset
// asymmetrically around zero so the edge away from the turn flares outward;
// the left edge scales symmetrically.
func (f *FootprintOverlay) SetCurvature(v float64) {
	cam := f.extrinsics.Camera(f.cfg.CamLabel)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.curvature = v
	f.recomputeCoefficientsLocked(cam)
}

// Curvature returns the latest curvature estimate.
func (f *FootprintOverlay) Curvature() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.curvature
}

// Coefficients returns the current edge-curve coefficients
// (AL, BL, CL, AR, BR, CR).
func (f *FootprintOverlay) Coefficients() (float64, float64, float64, float64, float64, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.coeffs
	return c.AL, c.BL, c.CL, c.AR, c.BR, c.CR
}

func (f *FootprintOverlay) recomputeCoefficientsLocked(cam *calibration.CameraExtrinsics) {
	if f.curvature > 0 {
		f.coeffs.AR = (0.01 + f.cfg.CurvOffset) * f.curvature
	} else {
		f.coeffs.AR = (0.01 - f.cfg.CurvOffset) * f.curvature
	}
	f.coeffs.AL = 0.01 * f.curvature
	f.coeffs.BL = 0.0
	f.coeffs.BR = 0.0

	if cam == nil {
		return
	}
	// Lateral offset of each edge from the vehicle's reference position.
	ctDist := int(math.Ceil((f.cfg.BotWidth*0.5 + f.cfg.BotMargin) * cam.PixelsPerMeterY))
	f.coeffs.CR = float64(cam.ViewCoord.X + ctDist)
	f.coeffs.CL = float64(cam.ViewCoord.X - ctDist)
}

// OnWaypointClick validates a normalized (0-1) click coordinate against the
// calibrated operating area. Before any successful extrinsic load the click
// is discarded and ErrNoCalibration returned. The returned signed distance is
// informational: a negative value means the click is outside the drivable
// region, but the marker is still recorded and drawn.
func (f *FootprintOverlay) OnWaypointClick(xNorm, yNorm float64) (float64, error) {
	cam := f.extrinsics.Camera(f.cfg.CamLabel)
	if cam == nil || !f.intrinsics.Calibrated() {
		return 0, errors.Wrapf(ErrNoCalibration, "discarding waypoint (%.3f, %.3f)", xNorm, yNorm)
	}

	// Convert and test against the same snapshot so a reload cannot split the
	// pixel conversion from the containment test.
	pt := image.Pt(
		int(xNorm*float64(cam.ImageSize.X)),
		int(yNorm*float64(cam.ImageSize.Y)),
	)
	inside := cam.InsideArea(pt, false)

	f.mu.Lock()
	f.hasClick = true
	f.clickXNorm = xNorm
	f.clickYNorm = yNorm
	f.clickInside = inside
	f.mu.Unlock()
	return inside, nil
}

// ClickPoint returns the last validated click in normalized coordinates.
func (f *FootprintOverlay) ClickPoint() (float64, float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clickXNorm, f.clickYNorm, f.hasClick
}

// Render draws the footprint projection onto frame. Always draws the click
// marker when one exists; everything else requires calibration. Per-sample
// projection failures truncate the affected side and never abort the render.
func (f *FootprintOverlay) Render(frame *gocv.Mat) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.hasClick {
		center := image.Pt(
			int(f.clickXNorm*float64(frame.Cols())),
			int(f.clickYNorm*float64(frame.Rows())),
		)
		gocv.Circle(frame, center, 10, markerOuter, 1)
		gocv.Circle(frame, center, 2, markerInner, -1)
	}

	cam, gen := f.extrinsics.Snapshot(f.cfg.CamLabel)
	if cam == nil || !f.intrinsics.Calibrated() {
		return
	}

	if f.cfg.ShowWaypointArea {
		pv := gocv.NewPointsVectorFromPoints([][]image.Point{cam.WaypointArea})
		gocv.Polylines(frame, pv, true, areaOutline, 2)
		pv.Close()
	}

	// The cache is pinned to the snapshot's own generation: a reload landing
	// while the cache is being rebuilt stays stale for the next frame.
	if f.token.StaleFor(gen) {
		f.recomputeCachedGeometryLocked(cam)
		f.token.ObserveGeneration(gen)
	}

	// Coefficients depend on the calibration snapshot; refresh them against
	// the one being rendered.
	f.recomputeCoefficientsLocked(cam)

	left, right := f.sampleSidesLocked(cam)
	f.drawSideLocked(frame, left, f.cfg.TickLen)
	f.drawSideLocked(frame, right, -f.cfg.TickLen)

	if f.haveCenterLine {
		drawDashedLine(frame, f.centerLine[0], f.centerLine[1], centerWhite, f.cfg.VertThickness, 10)
	}
}

// recomputeCachedGeometryLocked rebuilds the far visibility limit, the dashed
// center-line endpoints, and the per-sample real-world distance table.
func (f *FootprintOverlay) recomputeCachedGeometryLocked(cam *calibration.CameraExtrinsics) {
	lastBand := f.cfg.DistanceBands[len(f.cfg.DistanceBands)-1]
	f.yLimit = int(float64(cam.ViewCoord.Y) - lastBand*cam.PixelsPerMeterY)

	f.haveCenterLine = false
	far, errFar := f.projectSampleLocked(cam, float64(cam.ViewCoord.X), float64(f.yLimit), true)
	near, errNear := f.projectSampleLocked(cam, float64(cam.ViewCoord.X), float64(cam.UnwarpedSize.Y), true)
	if errFar != nil || errNear != nil {
		f.logger.Debugw("center line projection failed", "far", errFar, "near", errNear)
	} else {
		f.centerLine = [2]image.Point{far, near}
		f.haveCenterLine = true
	}

	// Real-world distance per sample index, rounded to centimeter precision
	// so band-boundary comparisons are stable. Sample spacing grows with the
	// index so far samples stay cheap.
	f.bandDistances = f.bandDistances[:0]
	idxY := -(cam.ViewCoord.Y - cam.UnwarpedSize.Y)
	increment := 1
	for idxY >= -cam.ViewCoord.Y+f.yLimit {
		d := math.Abs(float64(idxY)) / cam.PixelsPerMeterY
		f.bandDistances = append(f.bandDistances, math.Round(d*100)/100)
		idxY -= increment
		increment++
	}
}

// projectSampleLocked maps a bird's-eye coordinate into the frame: through the
// inverse homography onto the undistorted plane and, when requested, through
// the lens model into the raw frame.
func (f *FootprintOverlay) projectSampleLocked(
	cam *calibration.CameraExtrinsics,
	x, y float64,
	distort bool,
) (image.Point, error) {
	px, py, err := projection.GroundToImage(x, y, cam.InverseHomography)
	if err != nil {
		return image.Point{}, err
	}
	if distort {
		px, py = projection.DistortPoint(px, py, f.intrinsics.CameraMatrix(), f.intrinsics.DistCoeffs())
	}
	return image.Pt(int(math.Round(px)), int(math.Round(py))), nil
}

// sampleSidesLocked walks the curve indices outward from the vehicle and
// projects each left/right sample into the frame. Each side stops the instant
// a sample leaves the operating polygon or fails to project; the sides
// terminate independently.
func (f *FootprintOverlay) sampleSidesLocked(cam *calibration.CameraExtrinsics) ([]image.Point, []image.Point) {
	var left, right []image.Point
	idxY := -(cam.ViewCoord.Y - cam.UnwarpedSize.Y)
	increment := 1
	leftOut, rightOut := false, false

	for idxY > -cam.ViewCoord.Y+f.yLimit {
		fy := float64(idxY)
		sy := float64(cam.ViewCoord.Y) + fy

		if !leftOut {
			sx := f.coeffs.AL*fy*fy + f.coeffs.BL*fy + f.coeffs.CL
			pt, ok := f.admitSampleLocked(cam, sx, sy, "left")
			if ok {
				left = append(left, pt)
			} else {
				leftOut = true
			}
		}
		if !rightOut {
			sx := f.coeffs.AR*fy*fy + f.coeffs.BR*fy + f.coeffs.CR
			pt, ok := f.admitSampleLocked(cam, sx, sy, "right")
			if ok {
				right = append(right, pt)
			} else {
				rightOut = true
			}
		}
		if leftOut && rightOut {
			break
		}
		idxY -= increment
		increment++
	}
	return left, right
}

// admitSampleLocked projects one curve sample and tests it against the
// operating polygon. A projection failure counts as out-of-area.
func (f *FootprintOverlay) admitSampleLocked(
	cam *calibration.CameraExtrinsics,
	x, y float64,
	side string,
) (image.Point, bool) {
	pt, err := f.projectSampleLocked(cam, x, y, f.cfg.DistortLines)
	if err != nil {
		f.logger.Debugw("footprint sample projection failed", "side", side, "error", err)
		return image.Point{}, false
	}
	if cam.InsideArea(pt, !f.cfg.DistortLines) < 0 {
		return image.Point{}, false
	}
	return pt, true
}

// drawSideLocked renders one side's retained samples as line segments,
// stepping color and thickness down through the palette each time the
// accumulated real-world distance crosses a band threshold, with a horizontal
// tick at every transition. Beyond the last band nothing is drawn. tickLen is
// signed: positive ticks point right (left edge), negative left (right edge).
func (f *FootprintOverlay) drawSideLocked(frame *gocv.Mat, pts []image.Point, tickLen int) {
	bands := f.cfg.DistanceBands
	lastBand := bands[len(bands)-1]

	colorIdx := 0
	thicknessIdx := len(f.cfg.Colors)
	for idx := 0; idx < len(pts)-1 && idx < len(f.bandDistances); idx++ {
		if f.bandDistances[idx] > lastBand {
			break
		}
		for colorIdx < len(bands)-1 && f.bandDistances[idx] > bands[colorIdx] {
			colorIdx++
			if thicknessIdx > 0 {
				thicknessIdx--
			}
			gocv.Line(frame,
				pts[idx],
				image.Pt(pts[idx].X+tickLen, pts[idx].Y),
				f.cfg.Colors[colorIdx],
				clampThickness(f.cfg.HorzThickness+thicknessIdx))
		}
		gocv.Line(frame, pts[idx], pts[idx+1],
			f.cfg.Colors[colorIdx],
			clampThickness(f.cfg.VertThickness+thicknessIdx))
	}
}

// clampThickness keeps stepped-down line widths visible.
func clampThickness(t int) int {
	if t < 1 {
		return 1
	}
	return t
}

// drawDashedLine draws a dashed line between two points with the given dash
// length (gap is half a dash).
func drawDashedLine(frame *gocv.Mat, start, end image.Point, c color.RGBA, thickness int, dashLen float64) {
	dx := float64(end.X - start.X)
	dy := float64(end.Y - start.Y)
	length := math.Sqrt(dx*dx + dy*dy)
	if length == 0 {
		return
	}
	angle := math.Atan2(dy, dx)
	gapLen := dashLen / 2

	for pos := 0.0; pos < length; pos += dashLen + gapLen {
		dashStart := image.Pt(
			start.X+int(pos*math.Cos(angle)),
			start.Y+int(pos*math.Sin(angle)),
		)
		stop := math.Min(pos+dashLen, length)
		dashEnd := image.Pt(
			start.X+int(stop*math.Cos(angle)),
			start.Y+int(stop*math.Sin(angle)),
		)
		gocv.Line(frame, dashStart, dashEnd, c, thickness)
	}
}
