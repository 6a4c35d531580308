package checkpoints

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/xxh3"
)

var (
	// ErrCorruptCheckpoint is returned when a checkpoint cannot be decoded,
	// fails its checksum, or lacks a required field.
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")
	// ErrNotFound is returned when a checkpoint file does not exist.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrClassMismatch is returned when a checkpoint was trained on a
	// different class list than the one configured.
	ErrClassMismatch = errors.New("checkpoint class names do not match")
)

// envelopeVersion is bumped when the record layout changes incompatibly.
const envelopeVersion = 1

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatMsgpack CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatMsgpack:
		return "msgpack"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseFormat maps a configuration string to a CheckpointFormat.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "", "msgpack":
		return FormatMsgpack, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("unsupported checkpoint format: %q", s)
	}
}

// Tensor is a named parameter: a row-major float32 array with its shape.
type Tensor struct {
	Shape []int     `msgpack:"shape" json:"shape"`
	Data  []float32 `msgpack:"data" json:"data"`
}

// NumElements returns the product of the shape dimensions.
func (t Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// StateDict maps parameter names to tensors, e.g. "classifier.1.weight".
type StateDict map[string]Tensor

// Clone returns a deep copy.
func (sd StateDict) Clone() StateDict {
	out := make(StateDict, len(sd))
	for k, t := range sd {
		out[k] = Tensor{
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float32(nil), t.Data...),
		}
	}
	return out
}

// Checkpoint is one persisted snapshot of a training run. Optimizer and
// scheduler state are opaque blobs owned by their producers.
type Checkpoint struct {
	Epoch          int
	ModelState     StateDict
	OptimizerState []byte
	SchedulerState []byte
	BestValAcc     float64
	ClassNames     []string
	Config         map[string]any
	CreatedAt      time.Time
}

// record is the wire layout. Required scalars are pointers so that an
// absent key can be told apart from a zero value.
type record struct {
	Epoch          *int           `msgpack:"epoch" json:"epoch"`
	ModelState     StateDict      `msgpack:"model_state_dict" json:"model_state_dict"`
	OptimizerState []byte         `msgpack:"optimizer_state_dict" json:"optimizer_state_dict"`
	SchedulerState []byte         `msgpack:"scheduler_state_dict" json:"scheduler_state_dict"`
	BestValAcc     *float64       `msgpack:"best_val_acc" json:"best_val_acc"`
	ClassNames     []string       `msgpack:"class_names" json:"class_names"`
	Config         map[string]any `msgpack:"config" json:"config"`
	CreatedAt      time.Time      `msgpack:"created_at" json:"created_at"`
}

type msgpackEnvelope struct {
	Version  int    `msgpack:"v"`
	Checksum uint64 `msgpack:"sum"`
	Body     []byte `msgpack:"body"`
}

type jsonEnvelope struct {
	Version    int             `json:"version"`
	Checksum   uint64          `json:"checksum"`
	Checkpoint json.RawMessage `json:"checkpoint"`
}

func toRecord(c *Checkpoint) record {
	epoch, best := c.Epoch, c.BestValAcc
	return record{
		Epoch:          &epoch,
		ModelState:     c.ModelState,
		OptimizerState: c.OptimizerState,
		SchedulerState: c.SchedulerState,
		BestValAcc:     &best,
		ClassNames:     c.ClassNames,
		Config:         c.Config,
		CreatedAt:      c.CreatedAt,
	}
}

func (r record) validate() error {
	var missing []string
	if r.ModelState == nil {
		missing = append(missing, "model_state_dict")
	}
	if r.Epoch == nil {
		missing = append(missing, "epoch")
	}
	if r.BestValAcc == nil {
		missing = append(missing, "best_val_acc")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrCorruptCheckpoint, strings.Join(missing, ", "))
	}
	for name, t := range r.ModelState {
		if t.NumElements() != len(t.Data) {
			return fmt.Errorf("%w: tensor %s has shape %v but %d values", ErrCorruptCheckpoint, name, t.Shape, len(t.Data))
		}
	}
	return nil
}

func (r record) checkpoint() *Checkpoint {
	return &Checkpoint{
		Epoch:          *r.Epoch,
		ModelState:     r.ModelState,
		OptimizerState: r.OptimizerState,
		SchedulerState: r.SchedulerState,
		BestValAcc:     *r.BestValAcc,
		ClassNames:     r.ClassNames,
		Config:         r.Config,
		CreatedAt:      r.CreatedAt,
	}
}

// Encode serializes a checkpoint in the given format.
func Encode(c *Checkpoint, format CheckpointFormat) ([]byte, error) {
	rec := toRecord(c)

	switch format {
	case FormatMsgpack:
		body, err := msgpack.Marshal(&rec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		return msgpack.Marshal(&msgpackEnvelope{
			Version:  envelopeVersion,
			Checksum: xxh3.Hash(body),
			Body:     body,
		})

	case FormatJSON:
		body, err := json.Marshal(&rec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		// The checksum covers the compact body; indentation is cosmetic.
		return json.MarshalIndent(&jsonEnvelope{
			Version:    envelopeVersion,
			Checksum:   xxh3.Hash(body),
			Checkpoint: body,
		}, "", "  ")

	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", format)
	}
}

// Decode parses a checkpoint written in either format, verifies its checksum
// and checks the required fields. Every failure wraps ErrCorruptCheckpoint.
func Decode(data []byte) (*Checkpoint, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrCorruptCheckpoint)
	}

	var rec record
	if trimmed[0] == '{' {
		var env jsonEnvelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
		}
		var body bytes.Buffer
		if err := json.Compact(&body, env.Checkpoint); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
		}
		if err := checkEnvelope(env.Version, env.Checksum, body.Bytes()); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
		}
	} else {
		var env msgpackEnvelope
		if err := msgpack.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
		}
		if err := checkEnvelope(env.Version, env.Checksum, env.Body); err != nil {
			return nil, err
		}
		if err := msgpack.Unmarshal(env.Body, &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
		}
	}

	if err := rec.validate(); err != nil {
		return nil, err
	}
	return rec.checkpoint(), nil
}

func checkEnvelope(version int, checksum uint64, body []byte) error {
	if version != envelopeVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptCheckpoint, version)
	}
	if got := xxh3.Hash(body); got != checksum {
		return fmt.Errorf("%w: checksum mismatch (%016x != %016x)", ErrCorruptCheckpoint, got, checksum)
	}
	return nil
}
