package checkpoints

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/cast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/xxh3"
)

func sampleCheckpoint(epoch int, bestValAcc float64) *Checkpoint {
	return &Checkpoint{
		Epoch: epoch,
		ModelState: StateDict{
			"classifier.1.weight": {Shape: []int{3, 2}, Data: []float32{1, 2, 3, 4, 5, 6}},
			"classifier.1.bias":   {Shape: []int{3}, Data: []float32{0.1, 0.2, 0.3}},
		},
		OptimizerState: []byte("optimizer-state"),
		SchedulerState: []byte("scheduler-state"),
		BestValAcc:     bestValAcc,
		ClassNames:     []string{"bibimbap", "bulgogi", "kimchi"},
		Config:         map[string]any{"num_classes": 3, "img_size": 224, "model_type": "centroid"},
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatMsgpack, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			want := sampleCheckpoint(4, 0.625)

			data, err := Encode(want, format)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)

			assert.Equal(t, want.Epoch, got.Epoch)
			assert.Equal(t, want.BestValAcc, got.BestValAcc)
			assert.Equal(t, want.ModelState, got.ModelState)
			assert.Equal(t, want.OptimizerState, got.OptimizerState)
			assert.Equal(t, want.SchedulerState, got.SchedulerState)
			assert.Equal(t, want.ClassNames, got.ClassNames)
			assert.True(t, want.CreatedAt.Equal(got.CreatedAt))

			// Numeric config values come back as whatever the codec chose.
			assert.Equal(t, 3, cast.ToInt(got.Config["num_classes"]))
			assert.Equal(t, "centroid", cast.ToString(got.Config["model_type"]))
		})
	}
}

func TestJSONFormatIsReadable(t *testing.T) {
	data, err := Encode(sampleCheckpoint(1, 0.5), FormatJSON)
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, json.Unmarshal(data, &env))
	body := env["checkpoint"].(map[string]any)
	assert.Equal(t, float64(1), body["epoch"])
	assert.Contains(t, body, "model_state_dict")
	assert.Contains(t, body, "class_names")
}

func TestDecodeMissingRequiredFields(t *testing.T) {
	encodeRecord := func(t *testing.T, rec record) []byte {
		body, err := msgpack.Marshal(&rec)
		require.NoError(t, err)
		data, err := msgpack.Marshal(&msgpackEnvelope{Version: envelopeVersion, Checksum: xxh3.Hash(body), Body: body})
		require.NoError(t, err)
		return data
	}
	epoch, best := 2, 0.5

	tests := []struct {
		name    string
		rec     record
		missing string
	}{
		{"ModelState", record{Epoch: &epoch, BestValAcc: &best}, "model_state_dict"},
		{"Epoch", record{ModelState: StateDict{}, BestValAcc: &best}, "epoch"},
		{"BestValAcc", record{ModelState: StateDict{}, Epoch: &epoch}, "best_val_acc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(encodeRecord(t, tt.rec))
			require.ErrorIs(t, err, ErrCorruptCheckpoint)
			assert.Contains(t, err.Error(), tt.missing)
		})
	}

	t.Run("NilModelStateViaEncode", func(t *testing.T) {
		c := sampleCheckpoint(1, 0.1)
		c.ModelState = nil
		for _, format := range []CheckpointFormat{FormatMsgpack, FormatJSON} {
			data, err := Encode(c, format)
			require.NoError(t, err)
			_, err = Decode(data)
			assert.ErrorIs(t, err, ErrCorruptCheckpoint, format.String())
		}
	})
}

func TestDecodeCorruptData(t *testing.T) {
	good, err := Encode(sampleCheckpoint(1, 0.5), FormatMsgpack)
	require.NoError(t, err)

	flipped := bytes.Clone(good)
	flipped[len(flipped)-3] ^= 0xff

	goodJSON, err := Encode(sampleCheckpoint(1, 0.5), FormatJSON)
	require.NoError(t, err)
	tamperedJSON := bytes.Replace(goodJSON, []byte(`"bibimbap"`), []byte(`"tteokbokki"`), 1)

	badShape := sampleCheckpoint(1, 0.5)
	badShape.ModelState["classifier.1.bias"] = Tensor{Shape: []int{4}, Data: []float32{1}}
	badShapeData, err := Encode(badShape, FormatMsgpack)
	require.NoError(t, err)

	for name, data := range map[string][]byte{
		"Empty":        nil,
		"Garbage":      []byte("\x00\x01\x02 definitely not a checkpoint"),
		"Truncated":    good[:len(good)/2],
		"FlippedByte":  flipped,
		"TamperedJSON": tamperedJSON,
		"InvalidJSON":  []byte(`{"version": 1, "checkpoint": `),
		"BadShape":     badShapeData,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			assert.ErrorIs(t, err, ErrCorruptCheckpoint)
		})
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatMsgpack, f)

	_, err = ParseFormat("pickle")
	assert.Error(t, err)
}

func TestStateDictClone(t *testing.T) {
	sd := sampleCheckpoint(0, 0).ModelState
	clone := sd.Clone()
	clone["classifier.1.bias"].Data[0] = 99
	assert.Equal(t, float32(0.1), sd["classifier.1.bias"].Data[0])
}
