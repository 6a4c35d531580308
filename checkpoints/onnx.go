package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX constants used by the exporter.
const (
	onnxIRVersion = 8
	onnxOpset     = 13
	onnxFloat     = 1 // TensorProto.FLOAT

	attrFloat = 1
	attrInt   = 2
	attrInts  = 7
)

// Graph tensor names. The inference backend binds these.
const (
	ONNXInputName  = "input"
	ONNXOutputName = "output"
)

// ONNXHead describes a pooled linear classifier:
//
//	input[N,3,S,S] -> AveragePool(k,k) -> Flatten -> Gemm(alpha, W^T, bias) -> output[N,C]
type ONNXHead struct {
	InputSize  int
	PoolKernel int
	Weight     Tensor // [C, F]
	Bias       []float32
	Alpha      float32
	ClassNames []string
}

func (h ONNXHead) validate() error {
	if h.InputSize <= 0 || h.PoolKernel <= 0 || h.InputSize%h.PoolKernel != 0 {
		return fmt.Errorf("input size %d is not a multiple of pool kernel %d", h.InputSize, h.PoolKernel)
	}
	if len(h.Weight.Shape) != 2 || h.Weight.NumElements() != len(h.Weight.Data) {
		return fmt.Errorf("weight must be a [C,F] matrix, got shape %v", h.Weight.Shape)
	}
	grid := h.InputSize / h.PoolKernel
	if h.Weight.Shape[1] != 3*grid*grid {
		return fmt.Errorf("weight has %d features, pooled input has %d", h.Weight.Shape[1], 3*grid*grid)
	}
	if len(h.Bias) != h.Weight.Shape[0] {
		return fmt.Errorf("bias has %d values for %d classes", len(h.Bias), h.Weight.Shape[0])
	}
	return nil
}

// EncodeONNX serializes the head as an ONNX ModelProto.
func EncodeONNX(h ONNXHead) ([]byte, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	numClasses := h.Weight.Shape[0]
	k := int64(h.PoolKernel)

	nodes := [][]byte{
		node("pool", "AveragePool", []string{ONNXInputName}, []string{"pooled"},
			intsAttr("kernel_shape", k, k),
			intsAttr("strides", k, k)),
		node("flatten", "Flatten", []string{"pooled"}, []string{"features"},
			intAttr("axis", 1)),
		node("classifier", "Gemm", []string{"features", "classifier.weight", "classifier.bias"}, []string{ONNXOutputName},
			floatAttr("alpha", h.Alpha),
			intAttr("transB", 1)),
	}

	var graph []byte
	for _, n := range nodes {
		graph = appendMessage(graph, 1, n)
	}
	graph = appendString(graph, 2, "hansik_classifier")
	graph = appendMessage(graph, 5, tensorProto("classifier.weight", h.Weight.Shape, h.Weight.Data))
	graph = appendMessage(graph, 5, tensorProto("classifier.bias", []int{numClasses}, h.Bias))
	graph = appendMessage(graph, 11, valueInfo(ONNXInputName, dimParam("batch"), dimValue(3), dimValue(h.InputSize), dimValue(h.InputSize)))
	graph = appendMessage(graph, 12, valueInfo(ONNXOutputName, dimParam("batch"), dimValue(numClasses)))

	var opset []byte
	opset = appendString(opset, 1, "")
	opset = protowire.AppendTag(opset, 2, protowire.VarintType)
	opset = protowire.AppendVarint(opset, onnxOpset)

	var model []byte
	model = protowire.AppendTag(model, 1, protowire.VarintType)
	model = protowire.AppendVarint(model, onnxIRVersion)
	model = appendString(model, 2, "go-hansik")
	model = appendString(model, 3, "1.0.0")
	model = appendString(model, 6, "Korean food classifier head")
	model = appendMessage(model, 7, graph)
	model = appendMessage(model, 8, opset)

	if len(h.ClassNames) > 0 {
		names, err := json.Marshal(h.ClassNames)
		if err != nil {
			return nil, err
		}
		var entry []byte
		entry = appendString(entry, 1, "class_names")
		entry = appendString(entry, 2, string(names))
		model = appendMessage(model, 14, entry)
	}

	return model, nil
}

// ExportONNX writes the head to path.
func ExportONNX(path string, h ONNXHead) error {
	data, err := EncodeONNX(h)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func node(name, opType string, inputs, outputs []string, attrs ...[]byte) []byte {
	var b []byte
	for _, in := range inputs {
		b = appendString(b, 1, in)
	}
	for _, out := range outputs {
		b = appendString(b, 2, out)
	}
	b = appendString(b, 3, name)
	b = appendString(b, 4, opType)
	for _, a := range attrs {
		b = appendMessage(b, 5, a)
	}
	return b
}

func intAttr(name string, v int64) []byte {
	var b []byte
	b = appendString(b, 1, name)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v))
	b = protowire.AppendTag(b, 20, protowire.VarintType)
	return protowire.AppendVarint(b, attrInt)
}

func intsAttr(name string, vs ...int64) []byte {
	var b []byte
	b = appendString(b, 1, name)
	for _, v := range vs {
		b = protowire.AppendTag(b, 8, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v))
	}
	b = protowire.AppendTag(b, 20, protowire.VarintType)
	return protowire.AppendVarint(b, attrInts)
}

func floatAttr(name string, v float32) []byte {
	var b []byte
	b = appendString(b, 1, name)
	b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(v))
	b = protowire.AppendTag(b, 20, protowire.VarintType)
	return protowire.AppendVarint(b, attrFloat)
}

func tensorProto(name string, shape []int, data []float32) []byte {
	var b []byte
	for _, d := range shape {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d))
	}
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxFloat)

	// float_data is declared packed
	packed := make([]byte, 0, 4*len(data))
	for _, f := range data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(f))
	}
	b = appendMessage(b, 4, packed)
	return appendString(b, 8, name)
}

func dimValue(v int) []byte {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func dimParam(p string) []byte {
	return appendString(nil, 2, p)
}

func valueInfo(name string, dims ...[]byte) []byte {
	var shape []byte
	for _, d := range dims {
		shape = appendMessage(shape, 1, d)
	}
	var tensorType []byte
	tensorType = protowire.AppendTag(tensorType, 1, protowire.VarintType)
	tensorType = protowire.AppendVarint(tensorType, onnxFloat)
	tensorType = appendMessage(tensorType, 2, shape)

	typeProto := appendMessage(nil, 1, tensorType)

	var b []byte
	b = appendString(b, 1, name)
	return appendMessage(b, 2, typeProto)
}

// ONNXSummary lists the parts of a model that the export command reports.
type ONNXSummary struct {
	IRVersion    int64
	Producer     string
	Opset        int64
	Operators    []string
	Initializers map[string][]int64
	Inputs       []string
	Outputs      []string
	Metadata     map[string]string
}

// ReadONNXSummary walks the top levels of a serialized ModelProto.
func ReadONNXSummary(data []byte) (*ONNXSummary, error) {
	s := &ONNXSummary{
		Initializers: make(map[string][]int64),
		Metadata:     make(map[string]string),
	}

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			s.IRVersion = int64(u)
		case num == 2 && typ == protowire.BytesType:
			s.Producer = string(v)
		case num == 7 && typ == protowire.BytesType:
			return s.readGraph(v)
		case num == 8 && typ == protowire.BytesType:
			return walkFields(v, func(num protowire.Number, typ protowire.Type, _ []byte, u uint64) error {
				if num == 2 && typ == protowire.VarintType {
					s.Opset = int64(u)
				}
				return nil
			})
		case num == 14 && typ == protowire.BytesType:
			var key, value string
			err := walkFields(v, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
				switch num {
				case 1:
					key = string(v)
				case 2:
					value = string(v)
				}
				return nil
			})
			s.Metadata[key] = value
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ONNXSummary) readGraph(graph []byte) error {
	return walkFields(graph, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case 1:
			return walkFields(v, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
				if num == 4 {
					s.Operators = append(s.Operators, string(v))
				}
				return nil
			})
		case 5:
			var name string
			var dims []int64
			err := walkFields(v, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
				switch {
				case num == 1 && typ == protowire.VarintType:
					dims = append(dims, int64(u))
				case num == 8:
					name = string(v)
				}
				return nil
			})
			s.Initializers[name] = dims
			return err
		case 11, 12:
			var name string
			err := walkFields(v, func(n protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
				if n == 1 {
					name = string(v)
				}
				return nil
			})
			if num == 11 {
				s.Inputs = append(s.Inputs, name)
			} else {
				s.Outputs = append(s.Outputs, name)
			}
			return err
		}
		return nil
	})
}

// walkFields calls fn for each field of a message. Bytes fields pass their
// payload in v, varint fields their value in u.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("invalid ONNX data: %w", protowire.ParseError(n))
		}
		b = b[n:]

		var v []byte
		var u uint64
		switch typ {
		case protowire.VarintType:
			u, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("invalid ONNX data: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(num, typ, v, u); err != nil {
			return err
		}
	}
	return nil
}
