package neuralnet

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
)

const (
	ScheduleNone        = "none"
	ScheduleCosine      = "cosine"
	ScheduleExponential = "exponential"
)

// Params holds the training hyperparameters.
type Params struct {
	// Lr is the learning rate of the next optimizer step.
	Lr    float64
	Decay float64
	L2    float64

	// Learning rate schedule. An empty LrSchedule keeps Lr constant.
	LrSchedule  string
	InitialLr   float64
	TargetLr    float64
	WarmupSteps int
	DecaySteps  int

	BatchSize int
	Epochs    int
	// Workers bounds how many samples of a batch run at once.
	Workers int
	Seed    uint64

	Logger *slog.Logger
}

func DefaultParams() Params {
	return Params{
		Lr:        0.1,
		Decay:     1,
		BatchSize: 16,
		Epochs:    10,
		Workers:   1,
		Seed:      1,
	}
}

func NewParams(learningRate, decay, l2 float64, batchSize int) Params {
	p := DefaultParams()
	p.Lr = learningRate
	p.Decay = decay
	p.L2 = l2
	p.BatchSize = batchSize
	return p
}

func (p *Params) Validate() error {
	if p.BatchSize <= 0 {
		return errors.New("invalid batch size")
	}
	if p.Epochs < 0 {
		return fmt.Errorf("invalid epochs %d", p.Epochs)
	}
	if p.Lr < 0 || p.L2 < 0 || p.TargetLr < 0 {
		return fmt.Errorf("negative learning rate %v, target %v or L2 %v", p.Lr, p.TargetLr, p.L2)
	}
	switch p.LrSchedule {
	case "", ScheduleNone, ScheduleCosine, ScheduleExponential:
	default:
		return fmt.Errorf("unknown lr schedule %q", p.LrSchedule)
	}
	return nil
}

func (p *Params) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Regularization is the weight penalty for one optimizer step; the L2 term
// is scaled by the learning rate like the gradient is.
func (p *Params) Regularization() Regularization {
	if p.L2 == 0 {
		return None{}
	}
	return L2{Lambda: p.Lr * p.L2}
}

// withScheduleDefaults fills TargetLr from Lr when a schedule is set without
// one, so the schedule ramps toward the configured rate instead of zero.
func (p *Params) withScheduleDefaults() {
	if p.LrSchedule != "" && p.TargetLr == 0 {
		p.TargetLr = p.Lr
	}
}

// stepLr returns the learning rate for a global step and whether the schedule
// sets it at all. Past warmup the exponential schedule belongs to the optimizer.
func (p *Params) stepLr(step, totalSteps int) (float64, bool) {
	if p.LrSchedule == "" {
		return 0, false
	}
	if p.LrSchedule == ScheduleExponential && step > p.WarmupSteps {
		return 0, false
	}
	return calculateCurrentLr(p, step, totalSteps), true
}

// calculateCurrentLr returns the scheduled learning rate at a global step.
// Warmup is linear from InitialLr to TargetLr. Exponential decay is applied
// by the optimizer after each step, so the schedule itself returns TargetLr.
func calculateCurrentLr(p *Params, currentGlobalStep, totalTrainingSteps int) float64 {
	if currentGlobalStep < p.WarmupSteps {
		frac := float64(currentGlobalStep) / float64(p.WarmupSteps)
		return p.InitialLr + (p.TargetLr-p.InitialLr)*frac
	}
	if p.LrSchedule != ScheduleCosine {
		return p.TargetLr
	}

	decaySteps := p.DecaySteps
	if decaySteps <= 0 {
		decaySteps = totalTrainingSteps - p.WarmupSteps
	}
	if decaySteps <= 0 {
		return p.TargetLr
	}
	frac := math.Min(float64(currentGlobalStep-p.WarmupSteps)/float64(decaySteps), 1)
	return p.TargetLr * 0.5 * (1 + math.Cos(math.Pi*frac))
}
