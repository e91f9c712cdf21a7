package neuralnet

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// FullyConnected is a dense layer in a chain of layers. Forward calls flow
// to the successor, backward calls flow to the upstream layers.
type FullyConnected struct {
	id         int
	inputSize  int
	nUnits     int
	activation ActivationFunction
	terminal   bool
	capacity   int

	weights *mat.Dense    // nUnits x inputSize
	biases  *mat.VecDense // nUnits

	next     *FullyConnected
	upstream upstream

	mu             sync.Mutex
	pendingWeights []*mat.Dense
	pendingBiases  []*mat.VecDense
}

type LayerOption func(*layerConfig)

type layerConfig struct {
	terminal bool
	capacity int
	src      rand.Source
}

// Terminal marks the layer as the last one of the network.
func Terminal() LayerOption {
	return func(c *layerConfig) { c.terminal = true }
}

// WithCapacity bounds the number of pending gradients between updates.
func WithCapacity(n int) LayerOption {
	return func(c *layerConfig) { c.capacity = n }
}

// WithSource sets the random source used to initialise parameters.
func WithSource(src rand.Source) LayerOption {
	return func(c *layerConfig) { c.src = src }
}

func NewFullyConnected(inputSize, nUnits, id int, activation ActivationFunction, opts ...LayerOption) (*FullyConnected, error) {
	if inputSize <= 0 || nUnits <= 0 {
		return nil, fmt.Errorf("%w: input size %d, units %d", ErrInvalidConstruction, inputSize, nUnits)
	}
	if activation == nil {
		return nil, fmt.Errorf("%w: nil activation", ErrInvalidConstruction)
	}
	var cfg layerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.capacity < 0 {
		return nil, fmt.Errorf("%w: negative capacity %d", ErrInvalidConstruction, cfg.capacity)
	}

	// N(0, 1/inputSize) keeps the variance of z independent of the width.
	wDist := distuv.Normal{Mu: 0, Sigma: 1 / math.Sqrt(float64(inputSize)), Src: cfg.src}
	bDist := distuv.Normal{Mu: 0, Sigma: 1, Src: cfg.src}
	weights := mat.NewDense(nUnits, inputSize, nil)
	for i := 0; i < nUnits; i++ {
		for j := 0; j < inputSize; j++ {
			weights.Set(i, j, wDist.Rand())
		}
	}
	biases := mat.NewVecDense(nUnits, nil)
	for i := 0; i < nUnits; i++ {
		biases.SetVec(i, bDist.Rand())
	}

	return &FullyConnected{
		id:         id,
		inputSize:  inputSize,
		nUnits:     nUnits,
		activation: activation,
		terminal:   cfg.terminal,
		capacity:   cfg.capacity,
		weights:    weights,
		biases:     biases,
		upstream:   noUpstream{},
	}, nil
}

// Connect makes next the successor of l and l the single upstream of next.
func (l *FullyConnected) Connect(next *FullyConnected) error {
	if next.inputSize != l.nUnits {
		return fmt.Errorf("%w: layer %d has %d units, layer %d expects %d inputs",
			ErrShapeMismatch, l.id, l.nUnits, next.id, next.inputSize)
	}
	l.next = next
	next.upstream = single{l}
	return nil
}

// SetUpstream replaces the layers backward calls propagate to. Zero layers
// make l an input layer; more than one makes it a fan-in.
func (l *FullyConnected) SetUpstream(prev ...*FullyConnected) {
	switch len(prev) {
	case 0:
		l.upstream = noUpstream{}
	case 1:
		l.upstream = single{prev[0]}
	default:
		l.upstream = fanIn(append([]*FullyConnected(nil), prev...))
	}
}

func (l *FullyConnected) Forward(pass *Pass, x mat.Vector) (*mat.VecDense, error) {
	if x.Len() != l.inputSize {
		return nil, fmt.Errorf("%w: layer %d got input of %d, want %d", ErrShapeMismatch, l.id, x.Len(), l.inputSize)
	}
	rec := &record{input: mat.VecDenseCopyOf(x)}
	rec.z = mat.NewVecDense(l.nUnits, nil)
	rec.z.MulVec(l.weights, x)
	rec.z.AddVec(rec.z, l.biases)
	pass.put(l, rec)

	activated := l.activation.Activate(rec.z)
	if l.terminal {
		rec.output = activated
		pass.output = activated
		return activated, nil
	}
	if l.next == nil {
		return nil, fmt.Errorf("%w: layer %d", ErrNoSuccessor, l.id)
	}
	return l.next.Forward(pass, activated)
}

// BackwardOutput starts the backward pass at the terminal layer.
func (l *FullyConnected) BackwardOutput(pass *Pass, desired mat.Vector, cost CostFunction) error {
	if !l.terminal {
		return fmt.Errorf("%w: layer %d is not terminal, needs a downstream delta", ErrMissingArgument, l.id)
	}
	if desired == nil || cost == nil {
		return fmt.Errorf("%w: terminal layer %d needs desired output and cost", ErrMissingArgument, l.id)
	}
	delta, err := l.OutputDelta(pass, cost, desired)
	if err != nil {
		return err
	}
	return l.accumulate(pass, delta)
}

// Backward receives the delta of the successor layer.
func (l *FullyConnected) Backward(pass *Pass, downstream mat.Vector) error {
	if l.terminal {
		return fmt.Errorf("%w: terminal layer %d needs desired output and cost", ErrMissingArgument, l.id)
	}
	if downstream == nil {
		return fmt.Errorf("%w: layer %d needs a downstream delta", ErrMissingArgument, l.id)
	}
	if l.next == nil {
		return fmt.Errorf("%w: layer %d", ErrNoSuccessor, l.id)
	}
	if downstream.Len() != l.next.nUnits {
		return fmt.Errorf("%w: layer %d got delta of %d, successor has %d units",
			ErrShapeMismatch, l.id, downstream.Len(), l.next.nUnits)
	}
	rec, err := pass.get(l)
	if err != nil {
		return err
	}

	delta := mat.NewVecDense(l.nUnits, nil)
	delta.MulVec(l.next.Weights().T(), downstream)
	delta.MulElemVec(delta, l.activation.Derivative(rec.z, nil))
	return l.accumulate(pass, delta)
}

// OutputDelta is the gradient of the cost with respect to the terminal
// layer's pre-activation.
func (l *FullyConnected) OutputDelta(pass *Pass, cost CostFunction, desired mat.Vector) (*mat.VecDense, error) {
	if desired.Len() != l.nUnits {
		return nil, fmt.Errorf("%w: desired output of %d, layer %d has %d units", ErrShapeMismatch, desired.Len(), l.id, l.nUnits)
	}
	rec, err := pass.get(l)
	if err != nil {
		return nil, err
	}
	delta := mat.NewVecDense(l.nUnits, nil)
	switch ResolveCoupling(l.activation, cost) {
	case CouplingSoftmaxLogLikelihood:
		delta.SubVec(rec.output, desired)
	default:
		delta.MulElemVec(cost.Derivative(rec.output, desired), l.activation.Derivative(rec.z, desired))
	}
	return delta, nil
}

func (l *FullyConnected) accumulate(pass *Pass, delta *mat.VecDense) error {
	rec, err := pass.get(l)
	if err != nil {
		return err
	}
	// every layer the delta reaches must have room, or none records it
	if err := l.checkRoom(); err != nil {
		return err
	}
	deltaWeight := mat.NewDense(l.nUnits, l.inputSize, nil)
	deltaWeight.Outer(1, delta, rec.input)
	deltaBias := mat.VecDenseCopyOf(delta)

	l.mu.Lock()
	if l.full() {
		l.mu.Unlock()
		return fmt.Errorf("%w: layer %d holds %d gradients", ErrAccumulatorFull, l.id, l.capacity)
	}
	l.pendingBiases = append(l.pendingBiases, deltaBias)
	l.pendingWeights = append(l.pendingWeights, deltaWeight)
	l.mu.Unlock()

	if err := l.upstream.notifyBackward(pass, delta); err != nil {
		l.drop(deltaBias)
		return err
	}
	return nil
}

// full reports whether the accumulator is at capacity. l.mu must be held.
func (l *FullyConnected) full() bool {
	return l.capacity > 0 && len(l.pendingBiases) >= l.capacity
}

// checkRoom walks l and everything upstream of it.
func (l *FullyConnected) checkRoom() error {
	l.mu.Lock()
	full := l.full()
	l.mu.Unlock()
	if full {
		return fmt.Errorf("%w: layer %d holds %d gradients", ErrAccumulatorFull, l.id, l.capacity)
	}
	return l.upstream.checkRoom()
}

// drop removes the entry recorded with deltaBias. Entries of other samples
// may have been appended since, so it is found by identity.
func (l *FullyConnected) drop(deltaBias *mat.VecDense) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.pendingBiases) - 1; i >= 0; i-- {
		if l.pendingBiases[i] == deltaBias {
			l.pendingBiases = append(l.pendingBiases[:i], l.pendingBiases[i+1:]...)
			l.pendingWeights = append(l.pendingWeights[:i], l.pendingWeights[i+1:]...)
			return
		}
	}
}

// CalculateParameters sums the pending bias and weight gradients.
func (l *FullyConnected) CalculateParameters() (*mat.VecDense, *mat.Dense) {
	dB := mat.NewVecDense(l.nUnits, nil)
	dW := mat.NewDense(l.nUnits, l.inputSize, nil)
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.pendingBiases {
		dB.AddVec(dB, l.pendingBiases[i])
		dW.Add(dW, l.pendingWeights[i])
	}
	return dB, dW
}

// UpdateParameters subtracts the given steps, plus the regularization
// penalty of the current weights, and drops all pending gradients.
func (l *FullyConnected) UpdateParameters(biasDelta mat.Vector, weightDelta mat.Matrix, reg Regularization) error {
	if biasDelta.Len() != l.nUnits {
		return fmt.Errorf("%w: bias delta of %d, layer %d has %d units", ErrShapeMismatch, biasDelta.Len(), l.id, l.nUnits)
	}
	if r, c := weightDelta.Dims(); r != l.nUnits || c != l.inputSize {
		return fmt.Errorf("%w: weight delta %dx%d, layer %d is %dx%d", ErrShapeMismatch, r, c, l.id, l.nUnits, l.inputSize)
	}
	if reg == nil {
		reg = None{}
	}
	step := mat.DenseCopyOf(weightDelta)
	step.Add(step, reg.WeightsDerivation(l.weights))

	l.mu.Lock()
	defer l.mu.Unlock()
	l.biases.SubVec(l.biases, biasDelta)
	l.weights.Sub(l.weights, step)
	l.pendingBiases = nil
	l.pendingWeights = nil
	return nil
}

// Weights returns the weight matrix without copying.
func (l *FullyConnected) Weights() *mat.Dense {
	return l.weights
}

// Parameters returns biases and weights without copying.
func (l *FullyConnected) Parameters() (*mat.VecDense, *mat.Dense) {
	return l.biases, l.weights
}

// Pending is the number of gradients accumulated since the last update.
func (l *FullyConnected) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pendingBiases)
}

func (l *FullyConnected) ID() int                        { return l.id }
func (l *FullyConnected) InputSize() int                 { return l.inputSize }
func (l *FullyConnected) Units() int                     { return l.nUnits }
func (l *FullyConnected) IsTerminal() bool               { return l.terminal }
func (l *FullyConnected) Activation() ActivationFunction { return l.activation }
func (l *FullyConnected) Next() *FullyConnected          { return l.next }
