package neuralnet

import (
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// baseFilename keeps the directory as a raw prefix: callers pass "out/" for
// a directory and "out/run1-" for a filename prefix.
func (l *FullyConnected) baseFilename(directory string) string {
	return fmt.Sprintf("%sfullyConnectedLayer%d", directory, l.id)
}

func (l *FullyConnected) BiasesFile(directory string) string {
	return l.baseFilename(directory) + "_biases.npy"
}

func (l *FullyConnected) WeightsFile(directory string) string {
	return l.baseFilename(directory) + "_weights.npy"
}

// Save writes biases and weights as two .npy arrays.
func (l *FullyConnected) Save(directory string) error {
	l.mu.Lock()
	biases := make([]float64, l.nUnits)
	for i := range biases {
		biases[i] = l.biases.AtVec(i)
	}
	weights := make([]float64, l.nUnits*l.inputSize)
	for i := 0; i < l.nUnits; i++ {
		for j := 0; j < l.inputSize; j++ {
			weights[i*l.inputSize+j] = l.weights.At(i, j)
		}
	}
	l.mu.Unlock()

	b := tensor.New(tensor.WithShape(l.nUnits), tensor.WithBacking(biases))
	if err := writeNpy(l.BiasesFile(directory), b); err != nil {
		return err
	}
	w := tensor.New(tensor.WithShape(l.nUnits, l.inputSize), tensor.WithBacking(weights))
	return writeNpy(l.WeightsFile(directory), w)
}

func writeNpy(path string, t *tensor.Dense) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := t.WriteNpy(file); err != nil {
		file.Close()
		return fmt.Errorf("%w: writing %s: %v", ErrPersistence, path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// Load reads the arrays written by Save. Both arrays are read and checked
// before either parameter changes.
func (l *FullyConnected) Load(directory string) error {
	biases, err := readNpy(l.BiasesFile(directory), l.nUnits)
	if err != nil {
		return err
	}
	weights, err := readNpy(l.WeightsFile(directory), l.nUnits, l.inputSize)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.biases.CopyVec(mat.NewVecDense(l.nUnits, biases))
	l.weights.Copy(mat.NewDense(l.nUnits, l.inputSize, weights))
	return nil
}

func readNpy(path string, shape ...int) ([]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer file.Close()

	t := new(tensor.Dense)
	if err := t.ReadNpy(file); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrPersistence, path, err)
	}
	if t.Dtype() != tensor.Float64 {
		return nil, fmt.Errorf("%w: %s holds %v, want float64", ErrPersistence, path, t.Dtype())
	}
	if !t.Shape().Eq(tensor.Shape(shape)) {
		return nil, fmt.Errorf("%w: %s has shape %v, want %v", ErrPersistence, path, t.Shape(), shape)
	}
	// single-element tensors report their data as a scalar
	switch data := t.Data().(type) {
	case []float64:
		return append([]float64(nil), data...), nil
	case float64:
		return []float64{data}, nil
	default:
		return nil, fmt.Errorf("%w: %s has no float64 backing", ErrPersistence, path)
	}
}
