package neuralnet

import (
	"errors"
	"fmt"
)

// Optimizer turns accumulated gradients into parameter updates.
type Optimizer interface {
	Apply(params *Params, layers []*FullyConnected, batchSize int) error
}

// SGD implements stochastic gradient descent optimizer.
type SGD struct{}

// Apply averages each layer's summed gradients over the batch, scales them by
// the learning rate and updates the layer. With an exponential schedule the
// learning rate then decays.
func (o *SGD) Apply(params *Params, layers []*FullyConnected, batchSize int) error {
	if batchSize <= 0 {
		return errors.New("invalid batch size")
	}
	scale := params.Lr / float64(batchSize)
	reg := params.Regularization()
	for _, layer := range layers {
		dB, dW := layer.CalculateParameters()
		dB.ScaleVec(scale, dB)
		dW.Scale(scale, dW)
		if err := layer.UpdateParameters(dB, dW, reg); err != nil {
			return fmt.Errorf("updating layer %d: %w", layer.ID(), err)
		}
	}
	if params.LrSchedule == ScheduleExponential && params.Decay > 0 {
		params.Lr *= params.Decay
	}
	return nil
}
