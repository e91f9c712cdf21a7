package neuralnet

import "errors"

var (
	ErrShapeMismatch       = errors.New("shape mismatch")
	ErrInvalidConstruction = errors.New("invalid layer construction")
	ErrMissingArgument     = errors.New("missing argument")
	ErrPersistence         = errors.New("layer persistence failed")
	ErrAccumulatorFull     = errors.New("gradient accumulator is full")
	// ErrNoForward is returned when backward runs on a pass that never went
	// forward through the layer.
	ErrNoForward   = errors.New("no forward record for layer")
	ErrNoSuccessor = errors.New("non-terminal layer has no successor")
)
