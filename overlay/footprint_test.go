package overlay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/CerberusData/medusa-project/calibration"
)

const intrinsicFixture = `image_width: 640
image_height: 360
camera_name: medusa_cam
camera_matrix:
  rows: 3
  cols: 3
  data: [320.0, 0.0, 320.0, 0.0, 320.0, 180.0, 0.0, 0.0, 1.0]
distortion_model: plumb_bob
distortion_coefficients:
  rows: 1
  cols: 5
  data: [0.0, 0.0, 0.0, 0.0, 0.0]
rectification_matrix:
  rows: 3
  cols: 3
  data: [1.0, 0.0, 0.0, 0.0, 1.0, 0.0, 0.0, 0.0, 1.0]
projection_matrix:
  rows: 3
  cols: 4
  data: [320.0, 0.0, 320.0, 0.0, 0.0, 320.0, 180.0, 0.0, 0.0, 0.0, 1.0, 0.0]
`

// extrinsicFixture keeps the projection chain trivial: identity homography,
// no distortion, and an operating rectangle whose top edge sits at y=285.
const extrinsicFixture = `homography:
  rows: 3
  cols: 3
  data: [1.0, 0.0, 0.0, 0.0, 1.0, 0.0, 0.0, 0.0, 1.0]
view_coord: [160, 500]
ppmy: 50.0
waypoint_area:
  - [0, 285]
  - [640, 285]
  - [640, 360]
  - [0, 360]
unwarped_size: [320, 360]
image_size: [640, 360]
`

// extrinsicFixtureFractional differs only in its fractional meter scale, which
// exercises the truncation order of the far visibility limit.
const extrinsicFixtureFractional = `homography:
  rows: 3
  cols: 3
  data: [1.0, 0.0, 0.0, 0.0, 1.0, 0.0, 0.0, 0.0, 1.0]
view_coord: [160, 500]
ppmy: 49.9
waypoint_area:
  - [0, 285]
  - [640, 285]
  - [640, 360]
  - [0, 360]
unwarped_size: [320, 360]
image_size: [640, 360]
`

func newTestOverlay(t *testing.T, cfg Config) (*FootprintOverlay, *calibration.ExtrinsicModel) {
	t.Helper()
	return newTestOverlayWithExtrinsic(t, cfg, extrinsicFixture)
}

func newTestOverlayWithExtrinsic(t *testing.T, cfg Config, extrinsicYAML string) (*FootprintOverlay, *calibration.ExtrinsicModel) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Intrinsic_640_360.yaml"), []byte(intrinsicFixture), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Extrinsic_640_360_C.yaml"), []byte(extrinsicYAML), 0o644))

	logger := golog.NewTestLogger(t)
	store := calibration.NewFileStore(dir)
	intrinsics := calibration.NewIntrinsicModel(store, logger)
	t.Cleanup(intrinsics.Close)
	require.NoError(t, intrinsics.Load(640, 360))

	extrinsics := calibration.NewExtrinsicModel(intrinsics, store, []string{"C"}, logger)
	require.NoError(t, extrinsics.Load("C"))

	return NewFootprintOverlay(intrinsics, extrinsics, cfg, logger), extrinsics
}

func TestCoefficientsZeroCurvature(t *testing.T) {
	f, _ := newTestOverlay(t, DefaultConfig())

	f.SetCurvature(0)
	al, bl, cl, ar, br, cr := f.Coefficients()
	assert.Zero(t, al)
	assert.Zero(t, ar)
	assert.Zero(t, bl)
	assert.Zero(t, br)

	// ctDist = ceil((0.5/2 + 0.08) * 50) = 17 pixels either side of x=160.
	assert.Equal(t, 143.0, cl)
	assert.Equal(t, 177.0, cr)
}

func TestCoefficientsRightEdgeAsymmetry(t *testing.T) {
	cfg := DefaultConfig()
	f, _ := newTestOverlay(t, cfg)

	f.SetCurvature(1.0)
	_, _, _, arPos, _, _ := f.Coefficients()
	f.SetCurvature(-1.0)
	al, _, _, arNeg, _, _ := f.Coefficients()

	assert.InDelta(t, 0.01+cfg.CurvOffset, arPos, 1e-12)
	assert.InDelta(t, -(0.01-cfg.CurvOffset), arNeg, 1e-12)
	assert.InDelta(t, -0.01, al, 1e-12)

	// The outward flare means the right edge reacts more than twice the
	// configured offset across the sign change.
	assert.Greater(t, arPos-arNeg, 2*cfg.CurvOffset)
}

func TestWaypointClickWithoutCalibration(t *testing.T) {
	dir := t.TempDir()
	logger := golog.NewTestLogger(t)
	store := calibration.NewFileStore(dir)
	intrinsics := calibration.NewIntrinsicModel(store, logger)
	t.Cleanup(intrinsics.Close)
	extrinsics := calibration.NewExtrinsicModel(intrinsics, store, []string{"C"}, logger)

	f := NewFootprintOverlay(intrinsics, extrinsics, DefaultConfig(), logger)
	_, err := f.OnWaypointClick(0.5, 0.5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoCalibration))

	_, _, has := f.ClickPoint()
	assert.False(t, has, "discarded clicks must not be stored")
}

func TestWaypointClickInsideAndOutside(t *testing.T) {
	f, _ := newTestOverlay(t, DefaultConfig())

	// (0.5, 0.9) maps to (320, 324), inside the operating rectangle.
	dist, err := f.OnWaypointClick(0.5, 0.9)
	require.NoError(t, err)
	assert.Greater(t, dist, 0.0)

	// (0.5, 0.1) maps to (320, 36), well above the polygon's top edge. The
	// click is still recorded; the negative distance is informational.
	dist, err = f.OnWaypointClick(0.5, 0.1)
	require.NoError(t, err)
	assert.Less(t, dist, 0.0)

	x, y, has := f.ClickPoint()
	assert.True(t, has)
	assert.Equal(t, 0.5, x)
	assert.Equal(t, 0.1, y)
}

func TestSampleSidesStopAtPolygonEdge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DistortLines = false
	f, extrinsics := newTestOverlay(t, cfg)
	f.SetCurvature(0)

	f.mu.Lock()
	cam := extrinsics.Camera("C")
	f.recomputeCachedGeometryLocked(cam)
	f.recomputeCoefficientsLocked(cam)
	left, right := f.sampleSidesLocked(cam)
	f.mu.Unlock()

	// Sampling starts at y=360 and climbs by growing steps (1, 2, 3, ...).
	// The twelfth step lands at y=294, still inside; the thirteenth at y=282
	// crosses the polygon's top edge at y=285 and both sides stop there.
	require.Len(t, left, 12)
	require.Len(t, right, 12)

	assert.Equal(t, 143, left[0].X)
	assert.Equal(t, 177, right[0].X)
	assert.Equal(t, 360, left[0].Y)
	assert.Equal(t, 294, left[len(left)-1].Y)

	// yLimit sits one full distance band past where the polygon cut us off.
	assert.Equal(t, 500-int(5.0*50), f.yLimit)
}

func TestCachedGeometryRounding(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DistortLines = false
	f, extrinsics := newTestOverlayWithExtrinsic(t, cfg, extrinsicFixtureFractional)

	f.mu.Lock()
	cam := extrinsics.Camera("C")
	f.recomputeCachedGeometryLocked(cam)
	f.mu.Unlock()

	// 500 - 5.0*49.9 = 250.5 truncates after the subtraction, not before.
	assert.Equal(t, 250, f.yLimit)

	// Distances carry centimeter precision: 140/49.9 = 2.8056... -> 2.81.
	require.NotEmpty(t, f.bandDistances)
	assert.InDelta(t, 2.81, f.bandDistances[0], 1e-9)
}

func TestRenderCachePinnedToRenderedSnapshot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DistortLines = false
	f, extrinsics := newTestOverlay(t, cfg)

	frame := gocv.NewMatWithSize(360, 640, gocv.MatTypeCV8UC3)
	defer frame.Close()

	f.Render(&frame)
	_, rendered := extrinsics.Snapshot("C")
	require.False(t, f.token.StaleFor(rendered))

	// A reload after the render leaves the cache stale for the new snapshot,
	// even though the cache was just rebuilt.
	require.NoError(t, extrinsics.Load("C"))
	_, reloaded := extrinsics.Snapshot("C")
	assert.True(t, f.token.StaleFor(reloaded))
	assert.True(t, f.token.Stale())
}

func TestRenderRecomputesOnCalibrationChange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DistortLines = false
	f, extrinsics := newTestOverlay(t, cfg)

	frame := gocv.NewMatWithSize(360, 640, gocv.MatTypeCV8UC3)
	defer frame.Close()

	assert.True(t, f.token.Stale(), "fresh overlay starts dirty")
	f.Render(&frame)
	assert.False(t, f.token.Stale(), "render observes the calibration generation")
	assert.True(t, f.haveCenterLine)
	assert.NotEmpty(t, f.bandDistances)

	require.NoError(t, extrinsics.Load("C"))
	assert.True(t, f.token.Stale(), "reload dirties the overlay again")
	f.Render(&frame)
	assert.False(t, f.token.Stale())
}

func TestRenderWithoutCalibrationOnlyDrawsMarker(t *testing.T) {
	dir := t.TempDir()
	logger := golog.NewTestLogger(t)
	store := calibration.NewFileStore(dir)
	intrinsics := calibration.NewIntrinsicModel(store, logger)
	t.Cleanup(intrinsics.Close)
	extrinsics := calibration.NewExtrinsicModel(intrinsics, store, []string{"C"}, logger)
	f := NewFootprintOverlay(intrinsics, extrinsics, DefaultConfig(), logger)

	frame := gocv.NewMatWithSize(360, 640, gocv.MatTypeCV8UC3)
	defer frame.Close()

	// Must not panic or touch the dirty token while uncalibrated.
	f.Render(&frame)
	assert.True(t, f.token.Stale())
}

func TestClampThickness(t *testing.T) {
	assert.Equal(t, 1, clampThickness(-3))
	assert.Equal(t, 1, clampThickness(0))
	assert.Equal(t, 2, clampThickness(2))
}
