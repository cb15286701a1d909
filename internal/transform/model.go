package transform

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/lazypower/attune/internal/config"
)

// WeightTensor is a named, versioned weight matrix owned by one layer.
// Rows are output features, columns are input features; Data is row-major.
type WeightTensor struct {
	Name    string    `json:"name"`
	Rows    int       `json:"rows"`
	Cols    int       `json:"cols"`
	Data    []float64 `json:"data"`
	Version int       `json:"version"`
}

// NewWeightTensor allocates a zeroed tensor.
func NewWeightTensor(name string, rows, cols int) *WeightTensor {
	return &WeightTensor{
		Name: name,
		Rows: rows,
		Cols: cols,
		Data: make([]float64, rows*cols),
	}
}

// Dense views the tensor as a gonum matrix sharing its backing data.
func (w *WeightTensor) Dense() *mat.Dense {
	return mat.NewDense(w.Rows, w.Cols, w.Data)
}

// MulVec returns W·x. x must have Cols elements.
func (w *WeightTensor) MulVec(x []float64) []float64 {
	out := make([]float64, w.Rows)
	mat.NewVecDense(w.Rows, out).MulVec(w.Dense(), mat.NewVecDense(w.Cols, x))
	return out
}

// MulVecT returns Wᵀ·g. g must have Rows elements.
func (w *WeightTensor) MulVecT(g []float64) []float64 {
	out := make([]float64, w.Cols)
	mat.NewVecDense(w.Cols, out).MulVec(w.Dense().T(), mat.NewVecDense(w.Rows, g))
	return out
}

// Clone returns a deep copy.
func (w *WeightTensor) Clone() *WeightTensor {
	c := *w
	c.Data = make([]float64, len(w.Data))
	copy(c.Data, w.Data)
	return &c
}

// Model is the full transform: optional attention aggregation followed by
// an ordered layer stack. A Model is never mutated while it is being served;
// training works on a Clone and the result is swapped in whole.
type Model struct {
	Dim            int             `json:"dim"`
	AttentionBlend float64         `json:"attention_blend"`
	MaxGraphNodes  int             `json:"max_graph_nodes"`
	Layers         []LayerSpec     `json:"layers"`
	Weights        []*WeightTensor `json:"weights"`
	Version        int64           `json:"version"`
}

// New builds a model from layer specs with weights drawn uniformly from a
// scaled Xavier range using a deterministic seed.
func New(dim int, layers []LayerSpec, blend float64, maxNodes int, initScale float64, seed int64) (*Model, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dim)
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("model needs at least one layer")
	}

	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	m := &Model{
		Dim:            dim,
		AttentionBlend: blend,
		MaxGraphNodes:  maxNodes,
		Layers:         layers,
	}
	for i, spec := range layers {
		if spec.In <= 0 || spec.Out <= 0 {
			return nil, fmt.Errorf("layer %d: widths must be positive (%d→%d)", i, spec.In, spec.Out)
		}
		w := NewWeightTensor(fmt.Sprintf("layer%d.weight", i), spec.Out, spec.In)
		bound := initScale * math.Sqrt(6/float64(spec.In+spec.Out))
		for j := range w.Data {
			w.Data[j] = (rng.Float64()*2 - 1) * bound
		}
		m.Weights = append(m.Weights, w)
	}
	return m, nil
}

// FromConfig builds the model described by the [model] config section.
// A layer width of 0 means the embedding dimension.
func FromConfig(cfg config.ModelConfig) (*Model, error) {
	var specs []LayerSpec
	in := cfg.Dimension
	for i, lc := range cfg.Layers {
		act, err := ParseActivation(lc.Activation)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		out := lc.Out
		if out == 0 {
			out = cfg.Dimension
		}
		specs = append(specs, NewLayerSpec(in, out, act, lc.Normalize))
		in = out
	}
	return New(cfg.Dimension, specs, cfg.AttentionBlend, cfg.MaxGraphNodes, cfg.InitScale, cfg.Seed)
}

// Clone returns a deep copy suitable for training.
func (m *Model) Clone() *Model {
	c := *m
	c.Layers = append([]LayerSpec(nil), m.Layers...)
	c.Weights = make([]*WeightTensor, len(m.Weights))
	for i, w := range m.Weights {
		c.Weights[i] = w.Clone()
	}
	return &c
}

// Tensor looks up a weight tensor by name.
func (m *Model) Tensor(name string) *WeightTensor {
	for _, w := range m.Weights {
		if w.Name == name {
			return w
		}
	}
	return nil
}

// ParamCount returns the total number of trainable parameters.
func (m *Model) ParamCount() int {
	n := 0
	for _, w := range m.Weights {
		n += len(w.Data)
	}
	return n
}

// CopyWeightsFrom overwrites this model's tensors with src's where names and
// shapes line up. It returns the number of tensors copied.
func (m *Model) CopyWeightsFrom(src []*WeightTensor) int {
	copied := 0
	for _, s := range src {
		w := m.Tensor(s.Name)
		if w == nil || w.Rows != s.Rows || w.Cols != s.Cols || len(s.Data) != len(w.Data) {
			continue
		}
		copy(w.Data, s.Data)
		w.Version = s.Version
		copied++
	}
	return copied
}
