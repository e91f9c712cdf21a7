package neuralnet

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// NeuralNetwork is a chain of fully connected layers ending in a terminal
// layer scored by a cost function.
type NeuralNetwork struct {
	layers []*FullyConnected
	cost   CostFunction
	Params Params
}

// NewNeuralNetwork builds input -> hidden... -> output. Every layer but the
// last uses hiddenAct; each layer can hold one batch of gradients.
func NewNeuralNetwork(inputSize int, hidden []int, outputSize int, params Params,
	hiddenAct, outputAct ActivationFunction, cost CostFunction) (*NeuralNetwork, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if cost == nil {
		return nil, fmt.Errorf("%w: nil cost function", ErrInvalidConstruction)
	}
	seed := params.Seed
	if seed == 0 {
		seed = NNSeed(inputSize, hidden, outputSize)
	}
	src := rand.NewPCG(seed, seed)

	sizes := append(append([]int{inputSize}, hidden...), outputSize)
	nn := &NeuralNetwork{
		layers: make([]*FullyConnected, 0, len(sizes)-1),
		cost:   cost,
		Params: params,
	}
	for i := 1; i < len(sizes); i++ {
		act := hiddenAct
		opts := []LayerOption{WithCapacity(params.BatchSize), WithSource(src)}
		if i == len(sizes)-1 {
			act = outputAct
			opts = append(opts, Terminal())
		}
		layer, err := NewFullyConnected(sizes[i-1], sizes[i], i-1, act, opts...)
		if err != nil {
			return nil, err
		}
		if i > 1 {
			if err := nn.layers[i-2].Connect(layer); err != nil {
				return nil, err
			}
		}
		nn.layers = append(nn.layers, layer)
	}
	return nn, nil
}

// NNSeed derives a deterministic seed from the topology.
func NNSeed(inputSize int, hidden []int, outputSize int) uint64 {
	seed := inputSize
	for _, h := range hidden {
		seed = seed + h
	}
	return uint64(seed + outputSize)
}

func (nn *NeuralNetwork) Layers() []*FullyConnected {
	return nn.layers
}

func (nn *NeuralNetwork) Cost() CostFunction {
	return nn.cost
}

func (nn *NeuralNetwork) input() *FullyConnected {
	return nn.layers[0]
}

func (nn *NeuralNetwork) output() *FullyConnected {
	return nn.layers[len(nn.layers)-1]
}

// FeedForward runs x through every layer and returns the pass that recorded it.
func (nn *NeuralNetwork) FeedForward(x mat.Vector) (*Pass, error) {
	pass := NewPass()
	if _, err := nn.input().Forward(pass, x); err != nil {
		return nil, err
	}
	return pass, nil
}

func (nn *NeuralNetwork) Predict(x mat.Vector) (*mat.VecDense, error) {
	pass, err := nn.FeedForward(x)
	if err != nil {
		return nil, err
	}
	return pass.Output(), nil
}

// Backpropagate records the gradients of one sample in every layer.
func (nn *NeuralNetwork) Backpropagate(pass *Pass, target mat.Vector) error {
	return nn.output().BackwardOutput(pass, target, nn.cost)
}

// TrainSample runs forward and backward for one sample and returns its loss.
func (nn *NeuralNetwork) TrainSample(x, target mat.Vector) (float64, error) {
	pass, err := nn.FeedForward(x)
	if err != nil {
		return 0, err
	}
	if err := nn.Backpropagate(pass, target); err != nil {
		return 0, err
	}
	return nn.cost.Compute(pass.Output(), target), nil
}

// CalculateLoss is the cost of output plus the L2 penalty of all weights.
func (nn *NeuralNetwork) CalculateLoss(output, target mat.Vector) float64 {
	loss := nn.cost.Compute(output, target)
	if nn.Params.L2 == 0 {
		return loss
	}
	for _, layer := range nn.layers {
		w := layer.Weights()
		loss += 0.5 * nn.Params.L2 * mat.Sum(mulElem(w, w))
	}
	return loss
}

func mulElem(a, b mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.MulElem(a, b)
	return &out
}

// Accuracy is the share of samples whose largest output matches the largest
// target entry.
func (nn *NeuralNetwork) Accuracy(samples, targets []*mat.VecDense) (float64, error) {
	if len(samples) != len(targets) {
		return 0, fmt.Errorf("%w: %d samples, %d targets", ErrShapeMismatch, len(samples), len(targets))
	}
	if len(samples) == 0 {
		return 0, errors.New("no samples")
	}
	correct := 0
	for i, x := range samples {
		out, err := nn.Predict(x)
		if err != nil {
			return 0, err
		}
		if floats.MaxIdx(out.RawVector().Data) == floats.MaxIdx(targets[i].RawVector().Data) {
			correct++
		}
	}
	return float64(correct) / float64(len(samples)), nil
}

// Save writes every layer under directory, which is used as a raw prefix.
func (nn *NeuralNetwork) Save(directory string) error {
	for _, layer := range nn.layers {
		if err := layer.Save(directory); err != nil {
			return err
		}
	}
	return nil
}

func (nn *NeuralNetwork) Load(directory string) error {
	for _, layer := range nn.layers {
		if err := layer.Load(directory); err != nil {
			return err
		}
	}
	return nil
}

// Debug
func (l *FullyConnected) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("FullyConnected %d: %d -> %d, terminal=%v, pending=%d\n",
		l.id, l.inputSize, l.nUnits, l.terminal, l.Pending()))
	sb.WriteString(fmt.Sprintf("Biases: %v\n", mat.Formatted(l.biases.T(), mat.Squeeze())))
	return sb.String()
}

func (nn *NeuralNetwork) String() string {
	var sb strings.Builder
	for i, layer := range nn.layers {
		sb.WriteString(fmt.Sprintf("Layer %d:\n%s\n", i, layer.String()))
	}
	return sb.String()
}
