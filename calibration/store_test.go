package calibration

import (
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePaths(t *testing.T) {
	s := NewFileStore("/configs")
	assert.Equal(t, filepath.Join("/configs", "Intrinsic_640_360.yaml"), s.IntrinsicPath(640, 360))
	assert.Equal(t, filepath.Join("/configs", "Extrinsic_1280_720_LL.yaml"), s.ExtrinsicPath(1280, 720, "LL"))
}

func TestExtrinsicLabelParsing(t *testing.T) {
	for _, tc := range []struct {
		name  string
		label string
		ok    bool
	}{
		{"Extrinsic_640_360_C.yaml", "C", true},
		{"Extrinsic_1280_720_LL.yaml", "LL", true},
		{"Intrinsic_640_360.yaml", "", false},
		{"Extrinsic_640_360.yaml", "", false},
		{"Extrinsic_640_360_C.json", "", false},
		{"notes.txt", "", false},
	} {
		label, ok := extrinsicLabel(tc.name)
		assert.Equal(t, tc.ok, ok, tc.name)
		assert.Equal(t, tc.label, label, tc.name)
	}
}

func TestWatcherReportsExtrinsicChanges(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	labels := make(chan string, 4)
	w, err := NewWatcher(store, func(label string) {
		labels <- label
	}, golog.NewTestLogger(t))
	require.NoError(t, err)
	defer w.Close()

	writeExtrinsicFixture(t, dir, "C")
	waitForLabel(t, labels, "C")

	// Non-calibration files are ignored.
	writeFixture(t, dir, "notes.txt", "irrelevant")
	writeExtrinsicFixture(t, dir, "R")
	waitForLabel(t, labels, "R")
}
