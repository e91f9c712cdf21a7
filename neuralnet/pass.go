package neuralnet

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// record is what one layer keeps from a forward call for the backward call
// on the same sample.
type record struct {
	input  *mat.VecDense
	z      *mat.VecDense
	output *mat.VecDense // terminal layer only
}

// Pass carries the forward state of a single sample through a network.
// A Pass must not be shared between goroutines; independent samples use
// independent passes.
type Pass struct {
	records map[*FullyConnected]*record
	output  *mat.VecDense
}

func NewPass() *Pass {
	return &Pass{records: make(map[*FullyConnected]*record)}
}

// Output returns what the terminal layer produced, or nil before forward.
func (p *Pass) Output() *mat.VecDense {
	return p.output
}

// PreActivation returns the z vector recorded for l.
func (p *Pass) PreActivation(l *FullyConnected) (*mat.VecDense, error) {
	rec, err := p.get(l)
	if err != nil {
		return nil, err
	}
	return rec.z, nil
}

func (p *Pass) put(l *FullyConnected, rec *record) {
	p.records[l] = rec
}

func (p *Pass) get(l *FullyConnected) (*record, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: layer %d got a nil pass", ErrMissingArgument, l.id)
	}
	rec, ok := p.records[l]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrNoForward, l.id)
	}
	return rec, nil
}
