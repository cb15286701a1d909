package transform

import (
	"fmt"
	"math"
)

// Activation names the elementwise nonlinearity applied after a layer's
// projection.
type Activation string

const (
	ReLU      Activation = "relu"
	Tanh      Activation = "tanh"
	Sigmoid   Activation = "sigmoid"
	LeakyReLU Activation = "leaky-relu"
	Linear    Activation = "linear"
)

const leakySlope = 0.01

// ParseActivation validates an activation name from configuration.
func ParseActivation(s string) (Activation, error) {
	switch a := Activation(s); a {
	case ReLU, Tanh, Sigmoid, LeakyReLU, Linear:
		return a, nil
	case "":
		return Linear, nil
	default:
		return "", fmt.Errorf("unknown activation %q", s)
	}
}

// Apply evaluates the activation at z.
func (a Activation) Apply(z float64) float64 {
	switch a {
	case ReLU:
		if z > 0 {
			return z
		}
		return 0
	case LeakyReLU:
		if z > 0 {
			return z
		}
		return leakySlope * z
	case Tanh:
		return math.Tanh(z)
	case Sigmoid:
		return sigmoid(z)
	default:
		return z
	}
}

// Derivative evaluates the activation's derivative at the pre-activation z.
// Derivatives are always taken from the cached pre-activation, never
// re-derived from the output.
func (a Activation) Derivative(z float64) float64 {
	switch a {
	case ReLU:
		if z > 0 {
			return 1
		}
		return 0
	case LeakyReLU:
		if z > 0 {
			return 1
		}
		return leakySlope
	case Tanh:
		t := math.Tanh(z)
		return 1 - t*t
	case Sigmoid:
		s := sigmoid(z)
		return s * (1 - s)
	default:
		return 1
	}
}

func sigmoid(z float64) float64 {
	// Split to keep exp from overflowing for large |z|
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// LayerSpec is one immutable stage of the transform stack.
type LayerSpec struct {
	In         int        `json:"in"`
	Out        int        `json:"out"`
	Activation Activation `json:"activation"`
	Residual   bool       `json:"residual"`
	Normalize  bool       `json:"normalize"`
}

// NewLayerSpec builds a spec. The residual shortcut is enabled exactly when
// input and output widths match.
func NewLayerSpec(in, out int, act Activation, normalize bool) LayerSpec {
	return LayerSpec{
		In:         in,
		Out:        out,
		Activation: act,
		Residual:   in == out,
		Normalize:  normalize,
	}
}

func (s LayerSpec) residual() bool {
	return s.Residual && s.In == s.Out
}
