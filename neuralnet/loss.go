package neuralnet

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

type CostKind int

const (
	KindGenericCost CostKind = iota
	KindLogLikelihood
)

// CostFunction defines the interface for computing loss and its gradient.
type CostFunction interface {
	// Compute returns the loss value given the model output and the target.
	Compute(output, target mat.Vector) float64
	// Derivative returns ∂L/∂output for each output unit.
	Derivative(output, target mat.Vector) *mat.VecDense
	Kind() CostKind
}

const probFloor = 1e-15

func clampProb(p float64) float64 {
	return math.Min(math.Max(p, probFloor), 1-probFloor)
}

// Quadratic is half the squared euclidean distance.
type Quadratic struct{}

func (q Quadratic) Compute(output, target mat.Vector) float64 {
	var diff mat.VecDense
	diff.SubVec(output, target)
	return 0.5 * mat.Dot(&diff, &diff)
}

func (q Quadratic) Derivative(output, target mat.Vector) *mat.VecDense {
	grad := mat.NewVecDense(output.Len(), nil)
	grad.SubVec(output, target)
	return grad
}

func (q Quadratic) Kind() CostKind { return KindGenericCost }

// CrossEntropy implements per-unit binary cross-entropy.
type CrossEntropy struct{}

func (ce CrossEntropy) Compute(output, target mat.Vector) float64 {
	var loss float64
	for i := 0; i < output.Len(); i++ {
		p := clampProb(output.AtVec(i))
		t := target.AtVec(i)
		loss -= t*math.Log(p) + (1-t)*math.Log(1-p)
	}
	return loss
}

func (ce CrossEntropy) Derivative(output, target mat.Vector) *mat.VecDense {
	grad := mat.NewVecDense(output.Len(), nil)
	for i := 0; i < output.Len(); i++ {
		p := clampProb(output.AtVec(i))
		grad.SetVec(i, (p-target.AtVec(i))/(p*(1-p)))
	}
	return grad
}

func (ce CrossEntropy) Kind() CostKind { return KindGenericCost }

// LogLikelihood is the negative log of the probability the output assigns to
// the (one-hot) target: -ln(t·a).
type LogLikelihood struct{}

func (ll LogLikelihood) Compute(output, target mat.Vector) float64 {
	return -math.Log(math.Max(mat.Dot(output, target), probFloor))
}

// Derivative is -1/(t·a) in every position. The loss only sees the output
// through t·a, so a target-aware activation derivative completes the chain.
func (ll LogLikelihood) Derivative(output, target mat.Vector) *mat.VecDense {
	p := math.Max(mat.Dot(output, target), probFloor)
	grad := mat.NewVecDense(output.Len(), nil)
	for i := 0; i < output.Len(); i++ {
		grad.SetVec(i, -1/p)
	}
	return grad
}

func (ll LogLikelihood) Kind() CostKind { return KindLogLikelihood }

// Coupling is how the output delta of a terminal layer is computed.
type Coupling int

const (
	CouplingGeneric Coupling = iota
	// CouplingSoftmaxLogLikelihood uses the closed form output - target.
	CouplingSoftmaxLogLikelihood
)

// ResolveCoupling picks the output delta strategy for an activation and cost.
func ResolveCoupling(act ActivationFunction, cost CostFunction) Coupling {
	if act.Kind() == KindSoftmax && cost.Kind() == KindLogLikelihood {
		return CouplingSoftmaxLogLikelihood
	}
	return CouplingGeneric
}
