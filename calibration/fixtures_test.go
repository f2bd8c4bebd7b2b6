package calibration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
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

// intrinsicFixtureNoProjection drops a required matrix block.
const intrinsicFixtureNoProjection = `image_width: 640
image_height: 360
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
`

// extrinsicFixture uses an identity homography and a rectangular operating
// area whose top edge sits at y=285.
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

func writeFixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writeIntrinsicFixture(t *testing.T, dir string) string {
	t.Helper()
	return writeFixture(t, dir, "Intrinsic_640_360.yaml", intrinsicFixture)
}

func writeExtrinsicFixture(t *testing.T, dir, label string) string {
	t.Helper()
	return writeFixture(t, dir, "Extrinsic_640_360_"+label+".yaml", extrinsicFixture)
}

// waitForLabel drains the channel until the wanted label arrives; filesystem
// notifications may deliver duplicates for a single write.
func waitForLabel(t *testing.T, labels <-chan string, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case label := <-labels:
			if label == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for calibration label %q", want)
		}
	}
}
