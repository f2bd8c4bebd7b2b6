// Package calibration holds the two-stage per-camera calibration used by the
// video streaming pipeline: lens intrinsics shared by every mount of a camera
// body, and per-label ground-plane extrinsics. Both stages load from persisted
// YAML files and can be reloaded at runtime without restarting the stream.
package calibration

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/edaniels/golog"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// ErrFormat reports a missing, malformed, or incomplete calibration record.
var ErrFormat = errors.New("invalid calibration format")

// ErrUncalibrated reports that a dependent intrinsic calibration has not been
// loaded yet.
var ErrUncalibrated = errors.New("camera intrinsics not loaded")

// matrixBlock is the rows/cols/data matrix convention used by the calibration
// file schema (the same shape the camera calibrator writes).
type matrixBlock struct {
	Rows int       `yaml:"rows"`
	Cols int       `yaml:"cols"`
	Data []float64 `yaml:"data"`
}

// dense validates the block against an expected shape and converts it to a
// gonum matrix.
func (b *matrixBlock) dense(name string, rows, cols int) (*mat.Dense, error) {
	if b.Rows != rows || b.Cols != cols {
		return nil, errors.Wrapf(ErrFormat, "%s: expected %dx%d, got %dx%d", name, rows, cols, b.Rows, b.Cols)
	}
	if len(b.Data) != rows*cols {
		return nil, errors.Wrapf(ErrFormat, "%s: expected %d values, got %d", name, rows*cols, len(b.Data))
	}
	data := make([]float64, len(b.Data))
	copy(data, b.Data)
	return mat.NewDense(rows, cols, data), nil
}

// intrinsicFile is the on-disk schema of Intrinsic_{W}_{H}.yaml.
type intrinsicFile struct {
	ImageWidth             int          `yaml:"image_width"`
	ImageHeight            int          `yaml:"image_height"`
	CameraName             string       `yaml:"camera_name"`
	CameraMatrix           *matrixBlock `yaml:"camera_matrix"`
	DistortionModel        string       `yaml:"distortion_model"`
	DistortionCoefficients *matrixBlock `yaml:"distortion_coefficients"`
	RectificationMatrix    *matrixBlock `yaml:"rectification_matrix"`
	ProjectionMatrix       *matrixBlock `yaml:"projection_matrix"`
}

// extrinsicFile is the on-disk schema of Extrinsic_{W}_{H}_{label}.yaml. The
// inverse homography is not persisted; it is recomputed at load time.
type extrinsicFile struct {
	Homography      *matrixBlock `yaml:"homography"`
	ViewCoord       []int        `yaml:"view_coord"`
	PixelsPerMeterY float64      `yaml:"ppmy"`
	WaypointArea    [][]int      `yaml:"waypoint_area"`
	UnwarpedSize    []int        `yaml:"unwarped_size"`
	ImageSize       []int        `yaml:"image_size"`
}

// FileStore resolves and reads calibration records from a configuration
// directory. Keys are (resolution) for intrinsics and (resolution, camera
// label) for extrinsics.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the configuration directory the store reads from.
func (s *FileStore) Dir() string {
	return s.dir
}

// IntrinsicPath derives the intrinsic file path for a resolution.
func (s *FileStore) IntrinsicPath(width, height int) string {
	return filepath.Join(s.dir, fmt.Sprintf("Intrinsic_%d_%d.yaml", width, height))
}

// ExtrinsicPath derives the extrinsic file path for a resolution and label.
func (s *FileStore) ExtrinsicPath(width, height int, label string) string {
	return filepath.Join(s.dir, fmt.Sprintf("Extrinsic_%d_%d_%s.yaml", width, height, label))
}

// readIntrinsic parses an intrinsic record and checks that every required
// matrix block is present. A missing file and a malformed file are both
// ErrFormat: the caller cannot use either.
func (s *FileStore) readIntrinsic(path string) (*intrinsicFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrFormat, "reading %s: %v", filepath.Base(path), err)
	}
	var record intrinsicFile
	if err := yaml.Unmarshal(raw, &record); err != nil {
		return nil, errors.Wrapf(ErrFormat, "parsing %s: %v", filepath.Base(path), err)
	}
	required := map[string]*matrixBlock{
		"camera_matrix":           record.CameraMatrix,
		"distortion_coefficients": record.DistortionCoefficients,
		"rectification_matrix":    record.RectificationMatrix,
		"projection_matrix":       record.ProjectionMatrix,
	}
	for name, block := range required {
		if block == nil {
			return nil, errors.Wrapf(ErrFormat, "%s: missing %s", filepath.Base(path), name)
		}
	}
	if record.ImageWidth <= 0 || record.ImageHeight <= 0 {
		return nil, errors.Wrapf(ErrFormat, "%s: invalid image size %dx%d",
			filepath.Base(path), record.ImageWidth, record.ImageHeight)
	}
	return &record, nil
}

// readExtrinsic parses an extrinsic record and checks required fields.
func (s *FileStore) readExtrinsic(path string) (*extrinsicFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrFormat, "reading %s: %v", filepath.Base(path), err)
	}
	var record extrinsicFile
	if err := yaml.Unmarshal(raw, &record); err != nil {
		return nil, errors.Wrapf(ErrFormat, "parsing %s: %v", filepath.Base(path), err)
	}
	if record.Homography == nil {
		return nil, errors.Wrapf(ErrFormat, "%s: missing homography", filepath.Base(path))
	}
	if len(record.ViewCoord) != 2 {
		return nil, errors.Wrapf(ErrFormat, "%s: view_coord must have 2 entries", filepath.Base(path))
	}
	if record.PixelsPerMeterY <= 0 {
		return nil, errors.Wrapf(ErrFormat, "%s: ppmy must be positive", filepath.Base(path))
	}
	if len(record.WaypointArea) < 3 {
		return nil, errors.Wrapf(ErrFormat, "%s: waypoint_area needs at least 3 points", filepath.Base(path))
	}
	for i, pt := range record.WaypointArea {
		if len(pt) != 2 {
			return nil, errors.Wrapf(ErrFormat, "%s: waypoint_area[%d] must be [x, y]", filepath.Base(path), i)
		}
	}
	if len(record.UnwarpedSize) != 2 || len(record.ImageSize) != 2 {
		return nil, errors.Wrapf(ErrFormat, "%s: unwarped_size and image_size must have 2 entries", filepath.Base(path))
	}
	return &record, nil
}

// extrinsicLabel extracts the camera label from an extrinsic file name, e.g.
// "Extrinsic_640_360_C.yaml" -> "C". Returns false for any other file.
func extrinsicLabel(name string) (string, bool) {
	if !strings.HasPrefix(name, "Extrinsic_") || !strings.HasSuffix(name, ".yaml") {
		return "", false
	}
	parts := strings.Split(strings.TrimSuffix(name, ".yaml"), "_")
	if len(parts) != 4 || parts[3] == "" {
		return "", false
	}
	return parts[3], true
}

// Watcher watches the calibration directory and reports which camera label an
// on-disk extrinsic change belongs to. It backs the hot-reload path: an
// updated file behaves exactly like a calibration-update event.
type Watcher struct {
	watcher *fsnotify.Watcher
	logger  golog.Logger
	done    chan struct{}
}

// NewWatcher starts watching the store's directory. onExtrinsic is invoked
// from the watch goroutine with the camera label of every written or created
// extrinsic file.
func NewWatcher(store *FileStore, onExtrinsic func(label string), logger golog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating calibration watcher")
	}
	if err := fw.Add(store.Dir()); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "watching %s", store.Dir())
	}

	w := &Watcher{watcher: fw, logger: logger, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		for {
			select {
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				label, ok := extrinsicLabel(filepath.Base(event.Name))
				if !ok {
					continue
				}
				logger.Infow("extrinsic calibration file changed", "file", filepath.Base(event.Name), "label", label)
				onExtrinsic(label)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				logger.Errorw("calibration watcher error", "error", err)
			}
		}
	}()
	return w, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
