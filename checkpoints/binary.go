package checkpoints

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// binaryMagic prefixes every binary checkpoint; the rest of the file is a
// protobuf wire-format message laid out as below.
//
//	Checkpoint     { 1: Metadata, 2: TrainingState, 3: repeated WeightTensor, 4: OptimizerState }
//	Metadata       { 1: version, 2: framework, 3: run_id, 4: Timestamp, 5: description, 6: repeated tag, 7: architecture }
//	TrainingState  { 1: epoch, 2: is_best, 3: learning_rate (double), 4: best_loss (double, optional), 5: early_stop_counter, 6: loss_scale (double) }
//	WeightTensor   { 1: name, 2: packed shape, 3: packed float data, 4: layer, 5: type }
//	OptimizerState { 1: type, 2: repeated {1: key, 2: double}, 3: repeated OptimizerTensor }
//	OptimizerTensor{ 1: name, 2: packed shape, 3: packed float data, 4: state_type }
var binaryMagic = []byte("GFTCKPT1")

// MarshalBinary encodes a checkpoint in the compact binary format.
func MarshalBinary(cp *Checkpoint) ([]byte, error) {
	meta, err := appendMetadata(nil, &cp.Metadata)
	if err != nil {
		return nil, err
	}

	b := append([]byte(nil), binaryMagic...)
	b = appendMessage(b, 1, meta)
	b = appendMessage(b, 2, appendTrainingState(nil, &cp.TrainingState))
	for i := range cp.Weights {
		w := &cp.Weights[i]
		b = appendMessage(b, 3, appendTensor(nil, w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}
	if cp.OptimizerState != nil {
		b = appendMessage(b, 4, appendOptimizerState(nil, cp.OptimizerState))
	}
	return b, nil
}

// UnmarshalBinary decodes a checkpoint produced by MarshalBinary.
func UnmarshalBinary(data []byte) (*Checkpoint, error) {
	if len(data) < len(binaryMagic) || string(data[:len(binaryMagic)]) != string(binaryMagic) {
		return nil, errors.New("not a binary checkpoint")
	}

	cp := &Checkpoint{}
	err := walkFields(data[len(binaryMagic):], func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, func(m []byte) error { return parseMetadata(m, &cp.Metadata) })
		case 2:
			return consumeMessage(typ, b, func(m []byte) error { return parseTrainingState(m, &cp.TrainingState) })
		case 3:
			return consumeMessage(typ, b, func(m []byte) error {
				var w WeightTensor
				if err := parseTensor(m, &w.Name, &w.Shape, &w.Data, &w.Layer, &w.Type); err != nil {
					return err
				}
				cp.Weights = append(cp.Weights, w)
				return nil
			})
		case 4:
			return consumeMessage(typ, b, func(m []byte) error {
				cp.OptimizerState = &OptimizerState{Parameters: map[string]float64{}}
				return parseOptimizerState(m, cp.OptimizerState)
			})
		}
		return 0, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode binary checkpoint")
	}
	return cp, nil
}

// Encoding helpers

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

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendPackedInts(b []byte, num protowire.Number, values []int) []byte {
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessage(b, num, packed)
}

func appendPackedFloats(b []byte, num protowire.Number, values []float32) []byte {
	packed := make([]byte, 0, 4*len(values))
	for _, v := range values {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendMessage(b, num, packed)
}

func appendMetadata(b []byte, m *CheckpointMetadata) ([]byte, error) {
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	b = appendString(b, 3, m.RunID)
	if !m.CreatedAt.IsZero() {
		ts, err := proto.Marshal(timestamppb.New(m.CreatedAt))
		if err != nil {
			return nil, errors.Wrap(err, "encode created_at")
		}
		b = appendMessage(b, 4, ts)
	}
	b = appendString(b, 5, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	b = appendString(b, 7, m.Architecture)
	return b, nil
}

func appendTrainingState(b []byte, s *TrainingState) []byte {
	b = appendVarint(b, 1, uint64(s.Epoch))
	b = appendVarint(b, 2, protowire.EncodeBool(s.IsBest))
	b = appendDouble(b, 3, s.LearningRate)
	if s.BestLoss != nil {
		b = appendDouble(b, 4, *s.BestLoss)
	}
	b = appendVarint(b, 5, uint64(s.EarlyStopCounter))
	b = appendDouble(b, 6, s.LossScale)
	return b
}

func appendTensor(b []byte, name string, shape []int, data []float32, layer, kind string) []byte {
	b = appendString(b, 1, name)
	b = appendPackedInts(b, 2, shape)
	b = appendPackedFloats(b, 3, data)
	b = appendString(b, 4, layer)
	b = appendString(b, 5, kind)
	return b
}

func appendOptimizerState(b []byte, s *OptimizerState) []byte {
	b = appendString(b, 1, s.Type)

	// Sorted keys keep the encoding deterministic
	keys := make([]string, 0, len(s.Parameters))
	for k := range s.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendDouble(entry, 2, s.Parameters[k])
		b = appendMessage(b, 2, entry)
	}

	for i := range s.StateData {
		t := &s.StateData[i]
		b = appendMessage(b, 3, appendTensor(nil, t.Name, t.Shape, t.Data, "", t.StateType))
	}
	return b
}

// Decoding helpers

// walkFields calls fn for every field in b. fn returns the number of bytes it
// consumed; 0 means the field is unknown and is skipped.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return errors.Wrapf(err, "field %d", num)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func expectType(got, want protowire.Type) error {
	if got != want {
		return errors.Errorf("wire type %d, expected %d", got, want)
	}
	return nil
}

func consumeMessage(typ protowire.Type, b []byte, parse func([]byte) error) (int, error) {
	if err := expectType(typ, protowire.BytesType); err != nil {
		return 0, err
	}
	msg, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, parse(msg)
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if err := expectType(typ, protowire.BytesType); err != nil {
		return 0, err
	}
	s, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = s
	return n, nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if err := expectType(typ, protowire.VarintType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeDouble(typ protowire.Type, b []byte, dst *float64) (int, error) {
	if err := expectType(typ, protowire.Fixed64Type); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = math.Float64frombits(v)
	return n, nil
}

func parseMetadata(b []byte, m *CheckpointMetadata) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Version)
		case 2:
			return consumeString(typ, b, &m.Framework)
		case 3:
			return consumeString(typ, b, &m.RunID)
		case 4:
			return consumeMessage(typ, b, func(msg []byte) error {
				var ts timestamppb.Timestamp
				if err := proto.Unmarshal(msg, &ts); err != nil {
					return err
				}
				if err := ts.CheckValid(); err != nil {
					return err
				}
				m.CreatedAt = ts.AsTime()
				return nil
			})
		case 5:
			return consumeString(typ, b, &m.Description)
		case 6:
			var tag string
			n, err := consumeString(typ, b, &tag)
			if err == nil {
				m.Tags = append(m.Tags, tag)
			}
			return n, err
		case 7:
			return consumeString(typ, b, &m.Architecture)
		}
		return 0, nil
	})
}

func parseTrainingState(b []byte, s *TrainingState) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var v uint64
		switch num {
		case 1:
			n, err := consumeVarint(typ, b, &v)
			s.Epoch = int(v)
			return n, err
		case 2:
			n, err := consumeVarint(typ, b, &v)
			s.IsBest = protowire.DecodeBool(v)
			return n, err
		case 3:
			return consumeDouble(typ, b, &s.LearningRate)
		case 4:
			var best float64
			n, err := consumeDouble(typ, b, &best)
			s.BestLoss = &best
			return n, err
		case 5:
			n, err := consumeVarint(typ, b, &v)
			s.EarlyStopCounter = int(v)
			return n, err
		case 6:
			return consumeDouble(typ, b, &s.LossScale)
		}
		return 0, nil
	})
}

func parseTensor(b []byte, name *string, shape *[]int, data *[]float32, layer, kind *string) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, name)
		case 2:
			return consumeMessage(typ, b, func(packed []byte) error {
				for len(packed) > 0 {
					v, n := protowire.ConsumeVarint(packed)
					if n < 0 {
						return protowire.ParseError(n)
					}
					*shape = append(*shape, int(v))
					packed = packed[n:]
				}
				return nil
			})
		case 3:
			return consumeMessage(typ, b, func(packed []byte) error {
				if len(packed)%4 != 0 {
					return errors.Errorf("packed float data has %d bytes", len(packed))
				}
				out := make([]float32, 0, len(packed)/4)
				for len(packed) > 0 {
					v, n := protowire.ConsumeFixed32(packed)
					if n < 0 {
						return protowire.ParseError(n)
					}
					out = append(out, math.Float32frombits(v))
					packed = packed[n:]
				}
				*data = out
				return nil
			})
		case 4:
			return consumeString(typ, b, layer)
		case 5:
			return consumeString(typ, b, kind)
		}
		return 0, nil
	})
}

func parseOptimizerState(b []byte, s *OptimizerState) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &s.Type)
		case 2:
			return consumeMessage(typ, b, func(entry []byte) error {
				var key string
				var value float64
				err := walkFields(entry, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return consumeString(typ, b, &key)
					case 2:
						return consumeDouble(typ, b, &value)
					}
					return 0, nil
				})
				if err != nil {
					return err
				}
				s.Parameters[key] = value
				return nil
			})
		case 3:
			return consumeMessage(typ, b, func(m []byte) error {
				var t OptimizerTensor
				var unusedLayer string
				if err := parseTensor(m, &t.Name, &t.Shape, &t.Data, &unusedLayer, &t.StateType); err != nil {
					return err
				}
				s.StateData = append(s.StateData, t)
				return nil
			})
		}
		return 0, nil
	})
}
