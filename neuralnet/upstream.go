package neuralnet

import "gonum.org/v1/gonum/mat"

// upstream is where a layer sends its delta once its own gradients are
// recorded: nowhere, one layer, or every layer of a fan-in.
type upstream interface {
	notifyBackward(pass *Pass, delta mat.Vector) error
	checkRoom() error
}

type noUpstream struct{}

func (noUpstream) notifyBackward(*Pass, mat.Vector) error { return nil }
func (noUpstream) checkRoom() error                       { return nil }

type single struct {
	prev *FullyConnected
}

func (s single) notifyBackward(pass *Pass, delta mat.Vector) error {
	return s.prev.Backward(pass, delta)
}

func (s single) checkRoom() error {
	return s.prev.checkRoom()
}

// fanIn delivers the same delta to each predecessor. Every call is a separate
// accumulation event on the receiving layer.
type fanIn []*FullyConnected

func (f fanIn) notifyBackward(pass *Pass, delta mat.Vector) error {
	for _, prev := range f {
		if err := prev.Backward(pass, delta); err != nil {
			return err
		}
	}
	return nil
}

func (f fanIn) checkRoom() error {
	for _, prev := range f {
		if err := prev.checkRoom(); err != nil {
			return err
		}
	}
	return nil
}
