package neuralnet

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Train runs mini-batch SGD for nn.Params.Epochs epochs and returns the mean
// loss of the last epoch. Samples of a batch run concurrently on
// independent passes; the update happens once the whole batch is in.
func (nn *NeuralNetwork) Train(ctx context.Context, samples, targets []*mat.VecDense) (float64, error) {
	if len(samples) != len(targets) {
		return 0, fmt.Errorf("%w: %d samples, %d targets", ErrShapeMismatch, len(samples), len(targets))
	}
	if len(samples) == 0 {
		return 0, fmt.Errorf("%w: no training samples", ErrMissingArgument)
	}
	p := &nn.Params
	p.withScheduleDefaults()
	log := p.logger()
	opt := &SGD{}
	rng := rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15))

	order := make([]int, len(samples))
	for i := range order {
		order[i] = i
	}
	batches := (len(samples) + p.BatchSize - 1) / p.BatchSize
	totalSteps := batches * p.Epochs
	step := 0

	var epochLoss float64
	for e := 0; e < p.Epochs; e++ {
		start := time.Now()
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		epochLoss = 0
		for b := 0; b < batches; b++ {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			lo, hi := b*p.BatchSize, min((b+1)*p.BatchSize, len(order))
			loss, err := nn.runBatch(order[lo:hi], samples, targets)
			if err != nil {
				return 0, fmt.Errorf("epoch %d batch %d: %w", e, b, err)
			}
			epochLoss += loss

			if lr, ok := p.stepLr(step, totalSteps); ok {
				p.Lr = lr
			}
			if err := opt.Apply(p, nn.layers, hi-lo); err != nil {
				return 0, err
			}
			step++
		}
		epochLoss /= float64(len(samples))
		log.Info("epoch finished", "epoch", e, "loss", epochLoss, "lr", p.Lr, "elapsed", time.Since(start))
	}
	return epochLoss, nil
}

func (nn *NeuralNetwork) runBatch(idx []int, samples, targets []*mat.VecDense) (float64, error) {
	workers := max(nn.Params.Workers, 1)
	sem := make(chan struct{}, workers)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		total    float64
		firstErr error
	)
	for _, i := range idx {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			loss, err := nn.TrainSample(samples[i], targets[i])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			total += loss
		}(i)
	}
	wg.Wait()
	if firstErr != nil {
		nn.discardPending()
	}
	return total, firstErr
}

// discardPending drops the gradients of a failed batch.
func (nn *NeuralNetwork) discardPending() {
	for _, layer := range nn.layers {
		layer.mu.Lock()
		layer.pendingBiases = nil
		layer.pendingWeights = nil
		layer.mu.Unlock()
	}
}
