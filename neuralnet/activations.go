package neuralnet

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ActivationKind tags an activation so that output-layer couplings can be
// resolved without inspecting concrete types.
type ActivationKind int

const (
	KindElementwise ActivationKind = iota
	KindSoftmax
)

// ActivationFunction is applied to a layer's pre-activation vector.
type ActivationFunction interface {
	Activate(z mat.Vector) *mat.VecDense
	// Derivative returns the elementwise derivative at z. Target is nil
	// except on the output layer, where target-aware functions may use it.
	Derivative(z, target mat.Vector) *mat.VecDense
	Kind() ActivationKind
}

func mapVec(z mat.Vector, f func(float64) float64) *mat.VecDense {
	out := mat.NewVecDense(z.Len(), nil)
	for i := 0; i < z.Len(); i++ {
		out.SetVec(i, f(z.AtVec(i)))
	}
	return out
}

type ReLU struct{}

func (r ReLU) Activate(z mat.Vector) *mat.VecDense {
	return mapVec(z, func(x float64) float64 { return math.Max(x, 0) })
}

func (r ReLU) Derivative(z, _ mat.Vector) *mat.VecDense {
	return mapVec(z, func(x float64) float64 {
		if x > 0 {
			return 1
		}
		return 0
	})
}

func (r ReLU) Kind() ActivationKind { return KindElementwise }

type LeakyReLU struct {
	alpha float64
}

func NewLeakyReLU(alpha float64) LeakyReLU {
	return LeakyReLU{alpha: alpha}
}

func (l LeakyReLU) Activate(z mat.Vector) *mat.VecDense {
	return mapVec(z, func(x float64) float64 {
		if x > 0 {
			return x
		}
		return l.alpha * x
	})
}

func (l LeakyReLU) Derivative(z, _ mat.Vector) *mat.VecDense {
	return mapVec(z, func(x float64) float64 {
		if x > 0 {
			return 1
		}
		return l.alpha
	})
}

func (l LeakyReLU) Kind() ActivationKind { return KindElementwise }

type Sigmoid struct{}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func (s Sigmoid) Activate(z mat.Vector) *mat.VecDense {
	return mapVec(z, sigmoid)
}

func (s Sigmoid) Derivative(z, _ mat.Vector) *mat.VecDense {
	return mapVec(z, func(x float64) float64 {
		sig := sigmoid(x)
		return sig * (1 - sig)
	})
}

func (s Sigmoid) Kind() ActivationKind { return KindElementwise }

type Tanh struct{}

func (t Tanh) Activate(z mat.Vector) *mat.VecDense {
	return mapVec(z, math.Tanh)
}

func (t Tanh) Derivative(z, _ mat.Vector) *mat.VecDense {
	return mapVec(z, func(x float64) float64 {
		tanh := math.Tanh(x)
		return 1 - tanh*tanh
	})
}

func (t Tanh) Kind() ActivationKind { return KindElementwise }

type Linear struct{}

func (l Linear) Activate(z mat.Vector) *mat.VecDense {
	return mapVec(z, func(x float64) float64 { return x })
}

func (l Linear) Derivative(z, _ mat.Vector) *mat.VecDense {
	return mapVec(z, func(float64) float64 { return 1 })
}

func (l Linear) Kind() ActivationKind { return KindElementwise }

// Softmax normalises the whole vector, so it is not elementwise.
type Softmax struct{}

func (s Softmax) Activate(z mat.Vector) *mat.VecDense {
	raw := make([]float64, z.Len())
	for i := range raw {
		raw[i] = z.AtVec(i)
	}
	// shift by the max for numerical stability
	shift := floats.Max(raw)
	for i, v := range raw {
		raw[i] = math.Exp(v - shift)
	}
	floats.Scale(1/floats.Sum(raw), raw)
	return mat.NewVecDense(len(raw), raw)
}

// Derivative without a target is the diagonal of the softmax Jacobian,
// s_i(1-s_i). With a target t it is the gradient of the target-selected
// output t·s with respect to z: s_i(t_i - t·s).
func (s Softmax) Derivative(z, target mat.Vector) *mat.VecDense {
	sm := s.Activate(z)
	out := mat.NewVecDense(sm.Len(), nil)
	if target == nil {
		for i := 0; i < sm.Len(); i++ {
			out.SetVec(i, sm.AtVec(i)*(1-sm.AtVec(i)))
		}
		return out
	}
	selected := mat.Dot(target, sm)
	for i := 0; i < sm.Len(); i++ {
		out.SetVec(i, sm.AtVec(i)*(target.AtVec(i)-selected))
	}
	return out
}

func (s Softmax) Kind() ActivationKind { return KindSoftmax }
