package checkpoints

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Codec serializes checkpoints to and from a byte stream.
type Codec interface {
	Encode(w io.Writer, ck *Checkpoint) error
	Decode(r io.Reader) (*Checkpoint, error)
	Format() CheckpointFormat
}

// NewCodec returns the codec for the given format.
func NewCodec(format CheckpointFormat) (Codec, error) {
	switch format {
	case FormatJSON:
		return jsonCodec{}, nil
	case FormatBinary:
		return binaryCodec{}, nil
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", format.String())
	}
}

type jsonCodec struct{}

func (jsonCodec) Format() CheckpointFormat { return FormatJSON }

func (jsonCodec) Encode(w io.Writer, ck *Checkpoint) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(ck); err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	return nil
}

func (jsonCodec) Decode(r io.Reader) (*Checkpoint, error) {
	var ck Checkpoint
	if err := json.NewDecoder(r).Decode(&ck); err != nil {
		return nil, errors.Wrapf(ErrCorruptState, "failed to decode checkpoint: %v", err)
	}
	return &ck, nil
}

// binaryMagic prefixes every binary checkpoint.
var binaryMagic = []byte("CTCK\x01")

// Field numbers of the binary checkpoint layout. The payload after the magic
// bytes is protobuf wire format, so unknown fields are skipped on decode.
const (
	fieldEpoch     protowire.Number = 1
	fieldWeights   protowire.Number = 2
	fieldOptimizer protowire.Number = 3
	fieldScaler    protowire.Number = 4
	fieldStats     protowire.Number = 5
	fieldMetadata  protowire.Number = 6

	fieldTensorName  protowire.Number = 1
	fieldTensorShape protowire.Number = 2
	fieldTensorData  protowire.Number = 3
	fieldTensorKind  protowire.Number = 4

	fieldOptType   protowire.Number = 1
	fieldOptParams protowire.Number = 2
	fieldOptState  protowire.Number = 3

	fieldScalarName  protowire.Number = 1
	fieldScalarValue protowire.Number = 2

	fieldScalerEnabled  protowire.Number = 1
	fieldScalerScale    protowire.Number = 2
	fieldScalerGrowth   protowire.Number = 3
	fieldScalerBackoff  protowire.Number = 4
	fieldScalerInterval protowire.Number = 5
	fieldScalerTracker  protowire.Number = 6

	fieldMetaVersion     protowire.Number = 1
	fieldMetaFramework   protowire.Number = 2
	fieldMetaRunID       protowire.Number = 3
	fieldMetaCreatedAt   protowire.Number = 4
	fieldMetaDescription protowire.Number = 5
)

type binaryCodec struct{}

func (binaryCodec) Format() CheckpointFormat { return FormatBinary }

func (binaryCodec) Encode(w io.Writer, ck *Checkpoint) error {
	b := append([]byte(nil), binaryMagic...)
	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ck.Epoch))

	for _, wt := range ck.Weights {
		b = appendMessage(b, fieldWeights, appendTensor(nil, wt.Name, wt.Shape, wt.Data, ""))
	}
	if ck.OptimizerState != nil {
		b = appendMessage(b, fieldOptimizer, appendOptimizer(nil, ck.OptimizerState))
	}
	if ck.ScalerState != nil {
		b = appendMessage(b, fieldScaler, appendScaler(nil, ck.ScalerState))
	}
	b = appendScalars(b, fieldStats, ck.Stats)
	b = appendMessage(b, fieldMetadata, appendMetadata(nil, &ck.Metadata))

	if _, err := w.Write(b); err != nil {
		return errors.Wrap(err, "failed to write checkpoint")
	}
	return nil
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendTensor(b []byte, name string, shape []int, data []float32, kind string) []byte {
	b = appendString(b, fieldTensorName, name)

	var packedShape []byte
	for _, d := range shape {
		packedShape = protowire.AppendVarint(packedShape, uint64(d))
	}
	b = appendMessage(b, fieldTensorShape, packedShape)

	packedData := make([]byte, 0, 4*len(data))
	for _, v := range data {
		packedData = protowire.AppendFixed32(packedData, math.Float32bits(v))
	}
	b = appendMessage(b, fieldTensorData, packedData)
	return appendString(b, fieldTensorKind, kind)
}

func appendScalars(b []byte, num protowire.Number, values map[string]float64) []byte {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, fieldScalarName, k)
		entry = appendDouble(entry, fieldScalarValue, values[k])
		b = appendMessage(b, num, entry)
	}
	return b
}

func appendOptimizer(b []byte, st *OptimizerState) []byte {
	b = appendString(b, fieldOptType, st.Type)
	b = appendScalars(b, fieldOptParams, st.Parameters)
	for _, ot := range st.StateData {
		b = appendMessage(b, fieldOptState, appendTensor(nil, ot.Name, ot.Shape, ot.Data, ot.StateType))
	}
	return b
}

func appendScaler(b []byte, st *ScalerState) []byte {
	b = appendVarint(b, fieldScalerEnabled, protowire.EncodeBool(st.Enabled))
	b = appendDouble(b, fieldScalerScale, st.Scale)
	b = appendDouble(b, fieldScalerGrowth, st.GrowthFactor)
	b = appendDouble(b, fieldScalerBackoff, st.BackoffFactor)
	b = appendVarint(b, fieldScalerInterval, uint64(st.GrowthInterval))
	return appendVarint(b, fieldScalerTracker, uint64(st.GrowthTracker))
}

func appendMetadata(b []byte, md *CheckpointMetadata) []byte {
	b = appendString(b, fieldMetaVersion, md.Version)
	b = appendString(b, fieldMetaFramework, md.Framework)
	b = appendString(b, fieldMetaRunID, md.RunID)
	if !md.CreatedAt.IsZero() {
		b = appendVarint(b, fieldMetaCreatedAt, protowire.EncodeZigZag(md.CreatedAt.UnixNano()))
	}
	return appendString(b, fieldMetaDescription, md.Description)
}

func (binaryCodec) Decode(r io.Reader) (*Checkpoint, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read checkpoint")
	}
	if !bytes.HasPrefix(data, binaryMagic) {
		return nil, errors.Wrap(ErrCorruptState, "missing checkpoint header")
	}
	ck := &Checkpoint{Stats: map[string]float64{}}
	err = walkFields(data[len(binaryMagic):], func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		switch num {
		case fieldEpoch:
			ck.Epoch = int(v.varint)
		case fieldWeights:
			name, shape, values, _, err := decodeTensor(v.bytes)
			if err != nil {
				return err
			}
			ck.Weights = append(ck.Weights, WeightTensor{Name: name, Shape: shape, Data: values})
		case fieldOptimizer:
			st, err := decodeOptimizer(v.bytes)
			if err != nil {
				return err
			}
			ck.OptimizerState = st
		case fieldScaler:
			st, err := decodeScaler(v.bytes)
			if err != nil {
				return err
			}
			ck.ScalerState = st
		case fieldStats:
			name, value, err := decodeScalar(v.bytes)
			if err != nil {
				return err
			}
			ck.Stats[name] = value
		case fieldMetadata:
			md, err := decodeMetadata(v.bytes)
			if err != nil {
				return err
			}
			ck.Metadata = md
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptState, "failed to decode checkpoint: %v", err)
	}
	return ck, nil
}

type fieldValue struct {
	varint uint64
	fixed  uint64
	bytes  []byte
}

// walkFields visits every top-level field of a protobuf-encoded message.
func walkFields(b []byte, visit func(protowire.Number, protowire.Type, fieldValue) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v fieldValue
		switch typ {
		case protowire.VarintType:
			v.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var x uint32
			x, n = protowire.ConsumeFixed32(b)
			v.fixed = uint64(x)
		case protowire.Fixed64Type:
			v.fixed, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := visit(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}

func decodeTensor(b []byte) (name string, shape []int, values []float32, kind string, err error) {
	err = walkFields(b, func(num protowire.Number, _ protowire.Type, v fieldValue) error {
		switch num {
		case fieldTensorName:
			name = string(v.bytes)
		case fieldTensorKind:
			kind = string(v.bytes)
		case fieldTensorShape:
			packed := v.bytes
			for len(packed) > 0 {
				d, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					return protowire.ParseError(n)
				}
				shape = append(shape, int(d))
				packed = packed[n:]
			}
		case fieldTensorData:
			packed := v.bytes
			if len(packed)%4 != 0 {
				return errors.Errorf("tensor %q data length %d is not a multiple of 4", name, len(packed))
			}
			values = make([]float32, 0, len(packed)/4)
			for len(packed) > 0 {
				x, n := protowire.ConsumeFixed32(packed)
				if n < 0 {
					return protowire.ParseError(n)
				}
				values = append(values, math.Float32frombits(x))
				packed = packed[n:]
			}
		}
		return nil
	})
	return name, shape, values, kind, err
}

func decodeScalar(b []byte) (name string, value float64, err error) {
	err = walkFields(b, func(num protowire.Number, _ protowire.Type, v fieldValue) error {
		switch num {
		case fieldScalarName:
			name = string(v.bytes)
		case fieldScalarValue:
			value = math.Float64frombits(v.fixed)
		}
		return nil
	})
	return name, value, err
}

func decodeOptimizer(b []byte) (*OptimizerState, error) {
	st := &OptimizerState{Parameters: map[string]float64{}}
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v fieldValue) error {
		switch num {
		case fieldOptType:
			st.Type = string(v.bytes)
		case fieldOptParams:
			name, value, err := decodeScalar(v.bytes)
			if err != nil {
				return err
			}
			st.Parameters[name] = value
		case fieldOptState:
			name, shape, values, kind, err := decodeTensor(v.bytes)
			if err != nil {
				return err
			}
			st.StateData = append(st.StateData, OptimizerTensor{Name: name, Shape: shape, Data: values, StateType: kind})
		}
		return nil
	})
	return st, err
}

func decodeScaler(b []byte) (*ScalerState, error) {
	st := &ScalerState{}
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v fieldValue) error {
		switch num {
		case fieldScalerEnabled:
			st.Enabled = protowire.DecodeBool(v.varint)
		case fieldScalerScale:
			st.Scale = math.Float64frombits(v.fixed)
		case fieldScalerGrowth:
			st.GrowthFactor = math.Float64frombits(v.fixed)
		case fieldScalerBackoff:
			st.BackoffFactor = math.Float64frombits(v.fixed)
		case fieldScalerInterval:
			st.GrowthInterval = int(v.varint)
		case fieldScalerTracker:
			st.GrowthTracker = int(v.varint)
		}
		return nil
	})
	return st, err
}

func decodeMetadata(b []byte) (CheckpointMetadata, error) {
	var md CheckpointMetadata
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v fieldValue) error {
		switch num {
		case fieldMetaVersion:
			md.Version = string(v.bytes)
		case fieldMetaFramework:
			md.Framework = string(v.bytes)
		case fieldMetaRunID:
			md.RunID = string(v.bytes)
		case fieldMetaCreatedAt:
			md.CreatedAt = time.Unix(0, protowire.DecodeZigZag(v.varint))
		case fieldMetaDescription:
			md.Description = string(v.bytes)
		}
		return nil
	})
	return md, err
}
