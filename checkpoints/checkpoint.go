package checkpoints

import (
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when no checkpoint exists for the requested epoch.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrCorruptState is returned when a stored checkpoint cannot be decoded or
	// does not match the model, optimizer or scaler it is loaded into.
	ErrCorruptState = errors.New("checkpoint state is corrupt or incompatible")
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Extension returns the file suffix used for checkpoints in this format.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatJSON:
		return ".json"
	case FormatBinary:
		return ".ckpt"
	default:
		return ""
	}
}

// ParseFormat maps a configuration value onto a CheckpointFormat.
func ParseFormat(name string) (CheckpointFormat, error) {
	switch name {
	case "json", "JSON":
		return FormatJSON, nil
	case "binary", "Binary", "":
		return FormatBinary, nil
	default:
		return 0, errors.Errorf("unsupported checkpoint format %q", name)
	}
}

// Checkpoint is the state captured at the end of an epoch: model weights,
// optimizer and loss-scaler state and the epoch's statistics.
type Checkpoint struct {
	Epoch          int                `json:"epoch"`
	Weights        []WeightTensor     `json:"weights"`
	OptimizerState *OptimizerState    `json:"optimizer_state,omitempty"`
	ScalerState    *ScalerState       `json:"scaler_state,omitempty"`
	Stats          map[string]float64 `json:"stats"`
	Metadata       CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// OptimizerState captures optimizer hyperparameters and per-parameter buffers.
type OptimizerState struct {
	Type       string             `json:"type"` // "SGD"
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum buffers)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// ScalerState is the dynamic loss-scaling state.
type ScalerState struct {
	Enabled        bool    `json:"enabled"`
	Scale          float64 `json:"scale"`
	GrowthFactor   float64 `json:"growth_factor"`
	BackoffFactor  float64 `json:"backoff_factor"`
	GrowthInterval int     `json:"growth_interval"`
	GrowthTracker  int     `json:"growth_tracker"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       string    `json:"run_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

func (ck *Checkpoint) fillMetadata() {
	if ck.Metadata.Framework == "" {
		ck.Metadata.Framework = "ct-classifier"
		ck.Metadata.Version = "1.0.0"
	}
	if ck.Metadata.CreatedAt.IsZero() {
		ck.Metadata.CreatedAt = time.Now()
	}
}
