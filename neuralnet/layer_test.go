package neuralnet

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func newLayer(t *testing.T, inputSize, nUnits, id int, act ActivationFunction, opts ...LayerOption) *FullyConnected {
	t.Helper()
	opts = append([]LayerOption{WithSource(rand.NewPCG(uint64(id)+1, 7))}, opts...)
	l, err := NewFullyConnected(inputSize, nUnits, id, act, opts...)
	require.NoError(t, err)
	return l
}

func setParams(l *FullyConnected, biases []float64, weights []float64) {
	b, w := l.Parameters()
	b.CopyVec(mat.NewVecDense(len(biases), biases))
	r, c := w.Dims()
	w.Copy(mat.NewDense(r, c, weights))
}

// identityPair is the worked example: a 3-input, 2-unit linear layer
// followed by a terminal layer with identity weights.
func identityPair(t *testing.T) (*FullyConnected, *FullyConnected) {
	first := newLayer(t, 3, 2, 0, Linear{})
	last := newLayer(t, 2, 2, 1, Linear{}, Terminal())
	require.NoError(t, first.Connect(last))
	setParams(first, []float64{0, 0}, []float64{1, 0, 0, 0, 1, 0})
	setParams(last, []float64{0, 0}, []float64{1, 0, 0, 1})
	return first, last
}

func TestNewFullyConnectedShapes(t *testing.T) {
	for _, size := range [][2]int{{1, 1}, {3, 2}, {10, 4}, {4, 10}} {
		l := newLayer(t, size[0], size[1], 0, Sigmoid{})
		biases, weights := l.Parameters()
		r, c := weights.Dims()
		assert.Equal(t, size[1], r)
		assert.Equal(t, size[0], c)
		assert.Equal(t, size[1], biases.Len())
		assert.Equal(t, 0, l.Pending())
		assert.False(t, l.IsTerminal())
	}
}

func TestNewFullyConnectedInvalid(t *testing.T) {
	tests := []struct {
		description string
		in, units   int
		act         ActivationFunction
		opts        []LayerOption
	}{
		{"zero input", 0, 2, ReLU{}, nil},
		{"negative units", 3, -1, ReLU{}, nil},
		{"nil activation", 3, 2, nil, nil},
		{"negative capacity", 3, 2, ReLU{}, []LayerOption{WithCapacity(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			l, err := NewFullyConnected(tt.in, tt.units, 0, tt.act, tt.opts...)
			assert.ErrorIs(t, err, ErrInvalidConstruction)
			assert.Nil(t, l)
		})
	}
}

func TestInitializationScale(t *testing.T) {
	l := newLayer(t, 400, 50, 0, ReLU{})
	_, weights := l.Parameters()
	data := weights.RawMatrix().Data
	var sum, sq float64
	for _, w := range data {
		sum += w
		sq += w * w
	}
	n := float64(len(data))
	mean := sum / n
	variance := sq/n - mean*mean
	// N(0, 1/400)
	assert.InDelta(t, 0, mean, 0.003)
	assert.InDelta(t, 1.0/400, variance, 0.0003)
}

func TestForwardWorkedExample(t *testing.T) {
	first, last := identityPair(t)
	pass := NewPass()
	out, err := first.Forward(pass, vec(1, 2, 3))
	require.NoError(t, err)

	z, err := pass.PreActivation(first)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, z.RawVector().Data)
	assert.Equal(t, []float64{1, 2}, out.RawVector().Data)
	assert.Same(t, out, pass.Output())

	zLast, err := pass.PreActivation(last)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, zLast.RawVector().Data)
}

func TestBackwardWorkedExample(t *testing.T) {
	first, _ := identityPair(t)
	pass := NewPass()
	_, err := first.Forward(pass, vec(1, 2, 3))
	require.NoError(t, err)

	require.NoError(t, first.Backward(pass, vec(0.5, -0.5)))
	require.Equal(t, 1, first.Pending())

	dB, dW := first.CalculateParameters()
	assert.Equal(t, []float64{0.5, -0.5}, dB.RawVector().Data)
	assert.True(t, mat.Equal(mat.NewDense(2, 3, []float64{0.5, 1, 1.5, -0.5, -1, -1.5}), dW))
}

func TestForwardIsDeterministic(t *testing.T) {
	l := newLayer(t, 4, 3, 0, Tanh{}, Terminal())
	x := vec(0.1, -0.2, 0.3, 0.4)
	a, err := l.Forward(NewPass(), x)
	require.NoError(t, err)
	b, err := l.Forward(NewPass(), x)
	require.NoError(t, err)
	assert.Equal(t, a.RawVector().Data, b.RawVector().Data)
}

func TestForwardShapeMismatch(t *testing.T) {
	l := newLayer(t, 3, 2, 0, ReLU{}, Terminal())
	_, err := l.Forward(NewPass(), vec(1, 2))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestForwardWithoutSuccessor(t *testing.T) {
	l := newLayer(t, 3, 2, 0, ReLU{})
	_, err := l.Forward(NewPass(), vec(1, 2, 3))
	assert.ErrorIs(t, err, ErrNoSuccessor)
}

func TestConnectShapeMismatch(t *testing.T) {
	a := newLayer(t, 3, 2, 0, ReLU{})
	b := newLayer(t, 4, 2, 1, ReLU{}, Terminal())
	assert.ErrorIs(t, a.Connect(b), ErrShapeMismatch)
}

func TestBackwardMissingArguments(t *testing.T) {
	first, last := identityPair(t)
	pass := NewPass()
	_, err := first.Forward(pass, vec(1, 2, 3))
	require.NoError(t, err)

	assert.ErrorIs(t, last.BackwardOutput(pass, nil, Quadratic{}), ErrMissingArgument)
	assert.ErrorIs(t, last.BackwardOutput(pass, vec(1, 0), nil), ErrMissingArgument)
	assert.ErrorIs(t, last.Backward(pass, vec(1, 0)), ErrMissingArgument)
	assert.ErrorIs(t, first.Backward(pass, nil), ErrMissingArgument)
	assert.ErrorIs(t, first.BackwardOutput(pass, vec(1, 0), Quadratic{}), ErrMissingArgument)

	assert.Zero(t, first.Pending())
	assert.Zero(t, last.Pending())
}

func TestBackwardWithoutForward(t *testing.T) {
	first, last := identityPair(t)
	assert.ErrorIs(t, last.BackwardOutput(NewPass(), vec(1, 0), Quadratic{}), ErrNoForward)
	assert.ErrorIs(t, first.Backward(NewPass(), vec(1, 0)), ErrNoForward)
	assert.Zero(t, last.Pending())
}

func TestBackwardShapeMismatch(t *testing.T) {
	first, last := identityPair(t)
	pass := NewPass()
	_, err := first.Forward(pass, vec(1, 2, 3))
	require.NoError(t, err)
	assert.ErrorIs(t, last.BackwardOutput(pass, vec(1, 0, 0), Quadratic{}), ErrShapeMismatch)
	assert.ErrorIs(t, first.Backward(pass, vec(1)), ErrShapeMismatch)
}

func TestBackwardPropagatesToInputLayer(t *testing.T) {
	first, last := identityPair(t)
	pass := NewPass()
	_, err := first.Forward(pass, vec(1, 2, 3))
	require.NoError(t, err)

	// output [1,2], target [0.5,2.5]: quadratic delta is [0.5,-0.5]
	require.NoError(t, last.BackwardOutput(pass, vec(0.5, 2.5), Quadratic{}))
	assert.Equal(t, 1, last.Pending())
	assert.Equal(t, 1, first.Pending())

	dB, dW := first.CalculateParameters()
	assert.Equal(t, []float64{0.5, -0.5}, dB.RawVector().Data)
	assert.True(t, mat.Equal(mat.NewDense(2, 3, []float64{0.5, 1, 1.5, -0.5, -1, -1.5}), dW))
}

func TestAccumulationCount(t *testing.T) {
	first, last := identityPair(t)
	const k = 5
	for i := 0; i < k; i++ {
		pass := NewPass()
		_, err := first.Forward(pass, vec(1, 2, 3))
		require.NoError(t, err)
		require.NoError(t, last.BackwardOutput(pass, vec(0.5, 2.5), Quadratic{}))
		assert.Equal(t, i+1, first.Pending())
	}

	dB, dW := first.CalculateParameters()
	assert.Equal(t, []float64{0.5 * k, -0.5 * k}, dB.RawVector().Data)
	assert.InDelta(t, 1.5*k, dW.At(0, 2), 1e-12)
	// summing does not drain the accumulator
	assert.Equal(t, k, first.Pending())

	require.NoError(t, first.UpdateParameters(mat.NewVecDense(2, nil), mat.NewDense(2, 3, nil), None{}))
	assert.Zero(t, first.Pending())
	dB, dW = first.CalculateParameters()
	assert.Zero(t, mat.Norm(dB, 1))
	assert.Zero(t, mat.Norm(dW, 1))
}

// fixedPenalty returns the same matrix whatever the weights.
type fixedPenalty struct{ r *mat.Dense }

func (f fixedPenalty) WeightsDerivation(mat.Matrix) *mat.Dense { return mat.DenseCopyOf(f.r) }

func TestUpdateParameters(t *testing.T) {
	l := newLayer(t, 3, 2, 0, ReLU{}, Terminal())
	biases, weights := l.Parameters()
	oldB := mat.VecDenseCopyOf(biases)
	oldW := mat.DenseCopyOf(weights)

	B := vec(0.25, -1)
	W := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	R := mat.NewDense(2, 3, []float64{0.5, 0.5, 0.5, -1, -1, -1})
	require.NoError(t, l.UpdateParameters(B, W, fixedPenalty{R}))

	var wantB mat.VecDense
	wantB.SubVec(oldB, B)
	var wantW mat.Dense
	wantW.Sub(oldW, W)
	wantW.Sub(&wantW, R)
	assert.True(t, mat.Equal(&wantB, biases))
	assert.True(t, mat.Equal(&wantW, weights))
}

func TestUpdateParametersL2UsesPreUpdateWeights(t *testing.T) {
	l := newLayer(t, 2, 1, 0, Linear{}, Terminal())
	setParams(l, []float64{0}, []float64{2, -4})
	require.NoError(t, l.UpdateParameters(vec(0), mat.NewDense(1, 2, []float64{1, 1}), L2{Lambda: 0.5}))
	_, w := l.Parameters()
	assert.Equal(t, []float64{0, -3}, w.RawMatrix().Data)
}

func TestUpdateParametersShapeMismatch(t *testing.T) {
	l := newLayer(t, 3, 2, 0, ReLU{}, Terminal())
	before := mat.DenseCopyOf(l.Weights())
	assert.ErrorIs(t, l.UpdateParameters(vec(1, 2, 3), mat.NewDense(2, 3, nil), nil), ErrShapeMismatch)
	assert.ErrorIs(t, l.UpdateParameters(vec(1, 2), mat.NewDense(3, 2, nil), nil), ErrShapeMismatch)
	assert.True(t, mat.Equal(before, l.Weights()))
}

func TestSoftmaxLogLikelihoodShortcut(t *testing.T) {
	l := newLayer(t, 4, 3, 0, Softmax{}, Terminal())
	pass := NewPass()
	out, err := l.Forward(pass, vec(0.2, -0.4, 1.1, 0.6))
	require.NoError(t, err)

	for k := 0; k < 3; k++ {
		desired := mat.NewVecDense(3, nil)
		desired.SetVec(k, 1)

		shortcut, err := l.OutputDelta(pass, LogLikelihood{}, desired)
		require.NoError(t, err)
		var want mat.VecDense
		want.SubVec(out, desired)
		assert.True(t, mat.Equal(&want, shortcut))

		z, err := pass.PreActivation(l)
		require.NoError(t, err)
		var generic mat.VecDense
		generic.MulElemVec(LogLikelihood{}.Derivative(out, desired), Softmax{}.Derivative(z, desired))
		assert.True(t, mat.EqualApprox(shortcut, &generic, 1e-12), "class %d", k)
	}
}

func TestCapacity(t *testing.T) {
	l := newLayer(t, 2, 2, 0, Linear{}, Terminal(), WithCapacity(2))
	step := func() error {
		pass := NewPass()
		if _, err := l.Forward(pass, vec(1, 1)); err != nil {
			return err
		}
		return l.BackwardOutput(pass, vec(0, 0), Quadratic{})
	}
	require.NoError(t, step())
	require.NoError(t, step())
	assert.ErrorIs(t, step(), ErrAccumulatorFull)
	assert.Equal(t, 2, l.Pending())

	require.NoError(t, l.UpdateParameters(vec(0, 0), mat.NewDense(2, 2, nil), nil))
	assert.NoError(t, step())
}

func TestFanInNotifiesEveryPredecessor(t *testing.T) {
	a := newLayer(t, 2, 2, 0, Tanh{})
	b := newLayer(t, 3, 2, 1, Tanh{})
	c := newLayer(t, 2, 1, 2, Sigmoid{}, Terminal())
	require.NoError(t, a.Connect(c))
	require.NoError(t, b.Connect(c))
	c.SetUpstream(a, b)

	pass := NewPass()
	_, err := a.Forward(pass, vec(1, -1))
	require.NoError(t, err)
	_, err = b.Forward(pass, vec(0.5, 0.5, 0.5))
	require.NoError(t, err)

	require.NoError(t, c.BackwardOutput(pass, vec(1), CrossEntropy{}))
	assert.Equal(t, 1, c.Pending())
	assert.Equal(t, 1, a.Pending())
	assert.Equal(t, 1, b.Pending())

	// every call is its own accumulation event
	require.NoError(t, a.Backward(pass, vec(0.1)))
	assert.Equal(t, 2, a.Pending())
	assert.Equal(t, 1, b.Pending())

	c.SetUpstream()
	require.NoError(t, c.BackwardOutput(pass, vec(1), CrossEntropy{}))
	assert.Equal(t, 2, c.Pending())
	assert.Equal(t, 2, a.Pending())
}

func TestConcurrentAccumulation(t *testing.T) {
	first, last := identityPair(t)
	const n = 64
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pass := NewPass()
			if _, err := first.Forward(pass, vec(float64(i), 1, 0)); err != nil {
				errs <- err
				return
			}
			errs <- last.BackwardOutput(pass, vec(0, 0), Quadratic{})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, n, first.Pending())
	assert.Equal(t, n, last.Pending())

	// sum of inputs 0..63 on the first column, weighted by delta z = [i, 1]
	_, dW := first.CalculateParameters()
	assert.InDelta(t, float64(n*(n-1)*(2*n-1)/6), dW.At(0, 0), 1e-6)
}

func TestCapacityKeepsLayersInStep(t *testing.T) {
	first := newLayer(t, 3, 2, 0, Linear{}, WithCapacity(1))
	last := newLayer(t, 2, 2, 1, Linear{}, Terminal(), WithCapacity(2))
	require.NoError(t, first.Connect(last))

	step := func() error {
		pass := NewPass()
		if _, err := first.Forward(pass, vec(1, 2, 3)); err != nil {
			return err
		}
		return last.BackwardOutput(pass, vec(0, 0), Quadratic{})
	}
	require.NoError(t, step())
	assert.ErrorIs(t, step(), ErrAccumulatorFull)
	assert.Equal(t, 1, first.Pending())
	assert.Equal(t, 1, last.Pending())

	// the sums describe the same single sample in both layers
	dB, _ := last.CalculateParameters()
	firstB, _ := first.CalculateParameters()
	var want mat.VecDense
	want.MulVec(last.Weights().T(), dB)
	assert.True(t, mat.EqualApprox(&want, firstB, 1e-12))
}

func TestFailedPropagationRollsBack(t *testing.T) {
	first, last := identityPair(t)
	pass := NewPass()
	// only the terminal layer went forward, so the upstream backward fails
	_, err := last.Forward(pass, vec(1, 2))
	require.NoError(t, err)

	assert.ErrorIs(t, last.BackwardOutput(pass, vec(0, 0), Quadratic{}), ErrNoForward)
	assert.Zero(t, last.Pending())
	assert.Zero(t, first.Pending())
}
