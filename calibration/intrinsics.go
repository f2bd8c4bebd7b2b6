package calibration

import (
	"image"
	"image/color"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

// plumb_bob distortion: k1, k2, p1, p2, k3.
const distCoeffCount = 5

var borderBlack = color.RGBA{}

// IntrinsicModel holds a single camera body's lens parameters: the focal /
// principal-point matrix and the distortion coefficients, plus the
// undistortion remap derived from them. The matrix and the coefficients are
// either both present (calibrated) or both absent; a failed load never leaves
// partial state behind.
type IntrinsicModel struct {
	mu     sync.RWMutex
	store  *FileStore
	logger golog.Logger

	width  int
	height int

	cameraMatrix        *mat.Dense
	distCoeffs          []float64
	distortionModel     string
	rectificationMatrix *mat.Dense
	projectionMatrix    *mat.Dense

	// Undistortion remap sized to the frame resolution.
	map1    gocv.Mat
	map2    gocv.Mat
	hasMaps bool
}

// NewIntrinsicModel returns an empty (uncalibrated) model reading from store.
func NewIntrinsicModel(store *FileStore, logger golog.Logger) *IntrinsicModel {
	return &IntrinsicModel{store: store, logger: logger}
}

// denseToMat converts a gonum matrix to a 64-bit float gocv Mat. The caller
// owns the returned Mat.
func denseToMat(d *mat.Dense) gocv.Mat {
	rows, cols := d.Dims()
	m := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV64F)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			m.SetDoubleAt(r, c, d.At(r, c))
		}
	}
	return m
}

// coeffsToMat converts a coefficient slice to a 1xN gocv Mat. The caller owns
// the returned Mat.
func coeffsToMat(coeffs []float64) gocv.Mat {
	m := gocv.NewMatWithSize(1, len(coeffs), gocv.MatTypeCV64F)
	for i, v := range coeffs {
		m.SetDoubleAt(0, i, v)
	}
	return m
}

// Load reads the intrinsic record for the given resolution and derives the
// undistortion remap. On any failure the model is reset to its empty state,
// the failure is logged, and a wrapped ErrFormat is returned; nothing panics
// and no partial state survives.
func (m *IntrinsicModel) Load(width, height int) error {
	path := m.store.IntrinsicPath(width, height)

	record, err := m.store.readIntrinsic(path)
	if err != nil {
		m.reset()
		m.logger.Errorw("loading intrinsic calibration", "path", path, "error", err)
		return err
	}

	cameraMatrix, err := record.CameraMatrix.dense("camera_matrix", 3, 3)
	if err == nil && (record.DistortionCoefficients.Rows != 1 ||
		record.DistortionCoefficients.Cols != distCoeffCount ||
		len(record.DistortionCoefficients.Data) != distCoeffCount) {
		err = errors.Wrapf(ErrFormat, "distortion_coefficients: expected 1x%d", distCoeffCount)
	}
	var rectification, projectionMatrix *mat.Dense
	if err == nil {
		rectification, err = record.RectificationMatrix.dense("rectification_matrix", 3, 3)
	}
	if err == nil {
		projectionMatrix, err = record.ProjectionMatrix.dense("projection_matrix", 3, 4)
	}
	if err != nil {
		m.reset()
		m.logger.Errorw("intrinsic calibration file invalid", "path", path, "error", err)
		return err
	}

	distCoeffs := make([]float64, distCoeffCount)
	copy(distCoeffs, record.DistortionCoefficients.Data)

	// Derive the undistortion remap at the camera's frame resolution.
	camMat := denseToMat(cameraMatrix)
	defer camMat.Close()
	distMat := coeffsToMat(distCoeffs)
	defer distMat.Close()
	rotation := gocv.NewMat()
	defer rotation.Close()

	map1 := gocv.NewMat()
	map2 := gocv.NewMat()
	gocv.InitUndistortRectifyMap(camMat, distMat, rotation, camMat,
		image.Pt(width, height), int(gocv.MatTypeCV32F), map1, map2)

	m.mu.Lock()
	m.closeMapsLocked()
	m.width = width
	m.height = height
	m.cameraMatrix = cameraMatrix
	m.distCoeffs = distCoeffs
	m.distortionModel = record.DistortionModel
	m.rectificationMatrix = rectification
	m.projectionMatrix = projectionMatrix
	m.map1 = map1
	m.map2 = map2
	m.hasMaps = true
	m.mu.Unlock()

	m.logger.Infow("intrinsic calibration loaded", "path", path, "width", width, "height", height)
	return nil
}

// reset returns the model to its empty state.
func (m *IntrinsicModel) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeMapsLocked()
	m.width = 0
	m.height = 0
	m.cameraMatrix = nil
	m.distCoeffs = nil
	m.distortionModel = ""
	m.rectificationMatrix = nil
	m.projectionMatrix = nil
}

func (m *IntrinsicModel) closeMapsLocked() {
	if m.hasMaps {
		m.map1.Close()
		m.map2.Close()
		m.hasMaps = false
	}
}

// Calibrated reports whether a load has succeeded.
func (m *IntrinsicModel) Calibrated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cameraMatrix != nil && m.distCoeffs != nil
}

// CameraMatrix returns the 3x3 camera matrix, or nil when uncalibrated.
func (m *IntrinsicModel) CameraMatrix() *mat.Dense {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cameraMatrix
}

// DistCoeffs returns the distortion coefficients, or nil when uncalibrated.
func (m *IntrinsicModel) DistCoeffs() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.distCoeffs
}

// DistortionModel returns the distortion model name from the calibration file.
func (m *IntrinsicModel) DistortionModel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.distortionModel
}

// FrameSize returns the resolution the model was loaded for.
func (m *IntrinsicModel) FrameSize() image.Point {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return image.Pt(m.width, m.height)
}

// MapSize returns the size of the undistortion remap, or the zero point when
// no remap exists.
func (m *IntrinsicModel) MapSize() image.Point {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.hasMaps {
		return image.Point{}
	}
	return image.Pt(m.map1.Cols(), m.map1.Rows())
}

// Undistort remaps a raw frame onto the undistorted image plane using the
// derived maps.
func (m *IntrinsicModel) Undistort(src gocv.Mat, dst *gocv.Mat) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.hasMaps {
		return ErrUncalibrated
	}
	gocv.Remap(src, dst, &m.map1, &m.map2, gocv.InterpolationLinear, gocv.BorderConstant, borderBlack)
	return nil
}

// Close releases the undistortion maps.
func (m *IntrinsicModel) Close() {
	m.reset()
}
