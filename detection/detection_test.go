package detection

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// yoloOutput builds a [1, 4+C, A] tensor from per-anchor rows.
func yoloOutput(numClasses int, anchors [][]float32) []float32 {
	rows := 4 + numClasses
	out := make([]float32, rows*len(anchors))
	for a, values := range anchors {
		for r := 0; r < rows; r++ {
			out[r*len(anchors)+a] = values[r]
		}
	}
	return out
}

func TestDecode(t *testing.T) {
	names := []string{"kimchi", "bulgogi"}

	t.Run("ThresholdAndNormalize", func(t *testing.T) {
		out := yoloOutput(2, [][]float32{
			{320, 320, 64, 128, 0.9, 0.1},
			{100, 100, 10, 10, 0.1, 0.2}, // below threshold
		})
		objects, err := Decode(out, 2, 640, 0.25, 0.45, names)
		require.NoError(t, err)
		require.Len(t, objects, 1)

		o := objects[0]
		assert.Equal(t, "kimchi", o.Label)
		assert.InDelta(t, 0.9, o.Confidence, 1e-6)
		assert.Equal(t, Box{X: 0.5, Y: 0.5, W: 0.1, H: 0.2}, o.Box)
	})

	t.Run("SameClassOverlapSuppressed", func(t *testing.T) {
		out := yoloOutput(2, [][]float32{
			{320, 320, 100, 100, 0.6, 0},
			{322, 321, 100, 100, 0.8, 0},
			{322, 321, 100, 100, 0, 0.7}, // other class survives
			{50, 50, 20, 20, 0.5, 0},     // disjoint survives
		})
		objects, err := Decode(out, 2, 640, 0.25, 0.45, names)
		require.NoError(t, err)
		require.Len(t, objects, 3)

		assert.InDelta(t, 0.8, objects[0].Confidence, 1e-6)
		assert.Equal(t, "bulgogi", objects[1].Label)
		assert.InDelta(t, 0.5, objects[2].Confidence, 1e-6)
	})

	t.Run("MissIsEmpty", func(t *testing.T) {
		out := yoloOutput(2, [][]float32{{1, 1, 1, 1, 0.01, 0.02}})
		objects, err := Decode(out, 2, 640, 0.25, 0.45, names)
		require.NoError(t, err)
		assert.Empty(t, objects)
	})

	t.Run("UnknownIndexGetsPlaceholder", func(t *testing.T) {
		out := yoloOutput(3, [][]float32{{1, 1, 1, 1, 0, 0, 0.9}})
		objects, err := Decode(out, 3, 640, 0.25, 0.45, names)
		require.NoError(t, err)
		assert.Equal(t, "class_2", objects[0].Label)
	})

	t.Run("ShapeMismatch", func(t *testing.T) {
		_, err := Decode(make([]float32, 7), 2, 640, 0.25, 0.45, names)
		assert.Error(t, err)
	})
}

func TestIoU(t *testing.T) {
	a := Box{X: 0.5, Y: 0.5, W: 0.2, H: 0.2}
	assert.InDelta(t, 1.0, IoU(a, a), 1e-9)
	assert.Equal(t, 0.0, IoU(a, Box{X: 0.9, Y: 0.9, W: 0.1, H: 0.1}))

	// Half overlap along x: inter 0.02, union 0.06.
	b := Box{X: 0.6, Y: 0.5, W: 0.2, H: 0.2}
	assert.InDelta(t, 1.0/3, IoU(a, b), 1e-9)
}

func TestLoadNames(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		return path
	}

	t.Run("List", func(t *testing.T) {
		names, err := LoadNames(write("list.yaml", "path: data\nnc: 2\nnames: ['galbi', 'naengmyeon']\n"))
		require.NoError(t, err)
		assert.Equal(t, []string{"galbi", "naengmyeon"}, names)
	})

	t.Run("Map", func(t *testing.T) {
		names, err := LoadNames(write("map.yaml", "names:\n  0: galbi\n  2: japchae\n"))
		require.NoError(t, err)
		assert.Equal(t, []string{"galbi", "class_1", "japchae"}, names)
	})

	t.Run("MissingKey", func(t *testing.T) {
		_, err := LoadNames(write("none.yaml", "nc: 2\n"))
		assert.Error(t, err)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadNames(filepath.Join(dir, "absent.yaml"))
		assert.Error(t, err)
	})
}

func TestParseNamesMetadata(t *testing.T) {
	names, err := ParseNamesMetadata("{0: 'bibimbap', 1: 'bulgogi'}")
	require.NoError(t, err)
	assert.Equal(t, []string{"bibimbap", "bulgogi"}, names)

	_, err = ParseNamesMetadata("just text")
	assert.Error(t, err)
}

func TestAnchorCount(t *testing.T) {
	assert.Equal(t, 8400, anchorCount(640))
	assert.Equal(t, 2100, anchorCount(320))
}

func TestFillInput(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{255, 0, 51, 255})
		}
	}
	dst := make([]float32, 3*4*4)
	fillInput(dst, img, 4)

	assert.InDelta(t, 1.0, dst[0], 1e-6)
	assert.InDelta(t, 0.0, dst[16], 1e-6)
	assert.InDelta(t, 0.2, dst[47], 1e-6)
}

func TestNewDetectorMissingModel(t *testing.T) {
	_, err := NewDetector(Config{ModelPath: filepath.Join(t.TempDir(), "best.onnx")})
	assert.ErrorIs(t, err, ErrModelNotFound)
}
