package calibration

import (
	"image"
	"math"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"github.com/CerberusData/medusa-project/projection"
)

// CameraExtrinsics is one camera mount's ground-plane calibration. Snapshots
// are immutable once published: a reload swaps the whole snapshot, so a
// concurrent reader never sees a half-applied calibration.
type CameraExtrinsics struct {
	// Homography maps the undistorted image plane to the ground plane;
	// InverseHomography is its inverse, computed at load time.
	Homography        *mat.Dense
	InverseHomography *mat.Dense

	// ViewCoord is the vehicle's reference position (front bumper projection)
	// on the bird's-eye plane.
	ViewCoord image.Point

	// PixelsPerMeterY scales bird's-eye pixels to meters along the depth axis.
	PixelsPerMeterY float64

	// WaypointArea is the clickable/drivable region in raw (distorted) image
	// space; UndistortedArea is the same region on the undistorted plane.
	WaypointArea    []image.Point
	UndistortedArea []image.Point

	UnwarpedSize image.Point
	ImageSize    image.Point
}

// InvalidationToken tracks which calibration generation its consumer has
// observed. A fresh token starts stale; every successful load makes every
// token stale again.
type InvalidationToken struct {
	model *ExtrinsicModel
	seen  uint64
}

// Stale reports whether the calibration changed since the last observation.
func (t *InvalidationToken) Stale() bool {
	t.model.mu.RLock()
	defer t.model.mu.RUnlock()
	return t.seen != t.model.generation
}

// StaleFor reports whether the token has yet to observe the given generation.
func (t *InvalidationToken) StaleFor(gen uint64) bool {
	t.model.mu.RLock()
	defer t.model.mu.RUnlock()
	return t.seen != gen
}

// ObserveGeneration marks the given generation as seen. Pair with Snapshot:
// observing the snapshot's own generation, rather than whatever is current at
// observation time, keeps a reload that lands between the two calls stale.
func (t *InvalidationToken) ObserveGeneration(gen uint64) {
	t.model.mu.Lock()
	defer t.model.mu.Unlock()
	t.seen = gen
}

// ExtrinsicModel holds one slot of ground-plane calibration per known camera
// label. Slots start absent and are populated by Load; unknown labels are
// rejected rather than created. Consumers register invalidation tokens to
// find out when their cached geometry must be recomputed.
type ExtrinsicModel struct {
	mu         sync.RWMutex
	intrinsics *IntrinsicModel
	store      *FileStore
	logger     golog.Logger

	cams       map[string]*CameraExtrinsics
	labels     []string
	generation uint64
	consumers  map[string]*InvalidationToken
}

// NewExtrinsicModel creates a model with an absent slot for each label. The
// intrinsic model is shared: lens parameters are a camera-body property
// independent of the mount.
func NewExtrinsicModel(intrinsics *IntrinsicModel, store *FileStore, labels []string, logger golog.Logger) *ExtrinsicModel {
	cams := make(map[string]*CameraExtrinsics, len(labels))
	for _, label := range labels {
		cams[label] = nil
	}
	return &ExtrinsicModel{
		intrinsics: intrinsics,
		store:      store,
		logger:     logger,
		cams:       cams,
		labels:     append([]string(nil), labels...),
		generation: 1,
		consumers:  make(map[string]*InvalidationToken),
	}
}

// Labels returns the known camera labels.
func (e *ExtrinsicModel) Labels() []string {
	return append([]string(nil), e.labels...)
}

// Known reports whether label has a calibration slot.
func (e *ExtrinsicModel) Known(label string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.cams[label]
	return ok
}

// Camera returns the current calibration snapshot for label, or nil when the
// label is unknown or not yet calibrated.
func (e *ExtrinsicModel) Camera(label string) *CameraExtrinsics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cams[label]
}

// Snapshot returns the current calibration snapshot for label together with
// the generation it belongs to. Consumers caching geometry derived from the
// snapshot must observe this generation, not the latest one, so a reload
// landing mid-computation stays visible.
func (e *ExtrinsicModel) Snapshot(label string) (*CameraExtrinsics, uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cams[label], e.generation
}

// Generation returns the monotonically increasing calibration generation.
func (e *ExtrinsicModel) Generation() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.generation
}

// RegisterConsumer returns an invalidation token for a named consumer. The
// token starts stale so the consumer computes its derived state on first use.
func (e *ExtrinsicModel) RegisterConsumer(name string) *InvalidationToken {
	e.mu.Lock()
	defer e.mu.Unlock()
	if token, ok := e.consumers[name]; ok {
		return token
	}
	token := &InvalidationToken{model: e}
	e.consumers[name] = token
	return token
}

// Load reads the extrinsic record for label at the intrinsic model's
// resolution and atomically replaces the label's slot. Requires intrinsics to
// be populated (the operating polygon must be undistorted through the lens
// model). On failure the previous slot and generation are left untouched, the
// failure is logged, and a wrapped sentinel is returned.
func (e *ExtrinsicModel) Load(label string) error {
	if !e.Known(label) {
		err := errors.Wrapf(ErrFormat, "unknown camera label %q", label)
		e.logger.Errorw("loading extrinsic calibration", "label", label, "error", err)
		return err
	}
	if !e.intrinsics.Calibrated() {
		e.logger.Errorw("loading extrinsic calibration", "label", label, "error", ErrUncalibrated)
		return ErrUncalibrated
	}

	size := e.intrinsics.FrameSize()
	path := e.store.ExtrinsicPath(size.X, size.Y, label)
	record, err := e.store.readExtrinsic(path)
	if err != nil {
		e.logger.Errorw("loading extrinsic calibration", "label", label, "path", path, "error", err)
		return err
	}

	homography, err := record.Homography.dense("homography", 3, 3)
	if err != nil {
		e.logger.Errorw("extrinsic calibration file invalid", "label", label, "error", err)
		return err
	}
	var inverse mat.Dense
	if err := inverse.Inverse(homography); err != nil {
		err = errors.Wrapf(ErrFormat, "homography is not invertible: %v", err)
		e.logger.Errorw("extrinsic calibration file invalid", "label", label, "error", err)
		return err
	}

	cameraMatrix := e.intrinsics.CameraMatrix()
	distCoeffs := e.intrinsics.DistCoeffs()

	area := make([]image.Point, len(record.WaypointArea))
	undistorted := make([]image.Point, len(record.WaypointArea))
	for i, pt := range record.WaypointArea {
		area[i] = image.Pt(pt[0], pt[1])
		ux, uy := projection.UndistortPoint(float64(pt[0]), float64(pt[1]), cameraMatrix, distCoeffs)
		undistorted[i] = image.Pt(int(math.Round(ux)), int(math.Round(uy)))
	}

	snapshot := &CameraExtrinsics{
		Homography:        homography,
		InverseHomography: &inverse,
		ViewCoord:         image.Pt(record.ViewCoord[0], record.ViewCoord[1]),
		PixelsPerMeterY:   record.PixelsPerMeterY,
		WaypointArea:      area,
		UndistortedArea:   undistorted,
		UnwarpedSize:      image.Pt(record.UnwarpedSize[0], record.UnwarpedSize[1]),
		ImageSize:         image.Pt(record.ImageSize[0], record.ImageSize[1]),
	}

	e.mu.Lock()
	e.cams[label] = snapshot
	e.generation++
	e.mu.Unlock()

	e.logger.Infow("extrinsic calibration loaded", "label", label, "path", path)
	return nil
}

// InsideArea computes the signed distance from pt to the snapshot's operating
// polygon: positive or zero inside/on the boundary, negative outside. The test
// runs against the raw-image polygon or, when useUndistorted is set, the
// undistorted-plane polygon.
func (c *CameraExtrinsics) InsideArea(pt image.Point, useUndistorted bool) float64 {
	area := c.WaypointArea
	if useUndistorted {
		area = c.UndistortedArea
	}
	return signedPolygonDistance(area, pt)
}

// InsideOperatingArea runs InsideArea against the label's current snapshot.
func (e *ExtrinsicModel) InsideOperatingArea(label string, pt image.Point, useUndistorted bool) (float64, error) {
	cam := e.Camera(label)
	if cam == nil {
		return 0, errors.Wrapf(ErrUncalibrated, "camera %q has no extrinsic calibration", label)
	}
	return cam.InsideArea(pt, useUndistorted), nil
}

// signedPolygonDistance wraps gocv's point-in-polygon test with measured
// distance enabled.
func signedPolygonDistance(polygon []image.Point, pt image.Point) float64 {
	pv := gocv.NewPointVectorFromPoints(polygon)
	defer pv.Close()
	return float64(gocv.PointPolygonTest(pv, pt, true))
}
