package neuralnet

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Regularization turns the current weights into a penalty gradient of the
// same shape, added to the weight step at update time.
type Regularization interface {
	WeightsDerivation(w mat.Matrix) *mat.Dense
}

// None applies no penalty.
type None struct{}

func (None) WeightsDerivation(w mat.Matrix) *mat.Dense {
	r, c := w.Dims()
	return mat.NewDense(r, c, nil)
}

// L2 is weight decay: λW.
type L2 struct {
	Lambda float64
}

func (l L2) WeightsDerivation(w mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Scale(l.Lambda, w)
	return &out
}

// L1 pushes weights toward zero by a constant step: λ·sign(W).
type L1 struct {
	Lambda float64
}

func (l L1) WeightsDerivation(w mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 {
		if v == 0 {
			return 0
		}
		return l.Lambda * math.Copysign(1, v)
	}, w)
	return &out
}
