package compute

import (
	"fmt"
	"plugin"
)

// Accelerator is an optional compiled backend for the statistics math.
// Results must match the pure-logic path; any error or panic makes the unit
// recompute with Calculate.
type Accelerator interface {
	WPM(keystrokes, timeMs float64) (int, error)
	Accuracy(correct, total float64) (int, error)
}

// AcceleratorSymbol is the exported name LoadPlugin looks up.
const AcceleratorSymbol = "Accelerator"

// LoadPlugin opens a Go plugin exporting a variable named Accelerator that
// implements the interface.
func LoadPlugin(path string) (Accelerator, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open plugin: %v", ErrAccelerationUnavailable, err)
	}
	sym, err := p.Lookup(AcceleratorSymbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccelerationUnavailable, err)
	}

	// Lookup returns a pointer to an exported variable.
	switch v := sym.(type) {
	case Accelerator:
		return v, nil
	case *Accelerator:
		if *v == nil {
			return nil, fmt.Errorf("%w: plugin symbol is nil", ErrAccelerationUnavailable)
		}
		return *v, nil
	default:
		return nil, fmt.Errorf("%w: plugin symbol has type %T", ErrAccelerationUnavailable, sym)
	}
}

// accelerate runs both accelerator calls, converting a panic to an error.
func accelerate(acc Accelerator, in StatsInput) (wpm, accuracy int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrAccelerationUnavailable, r)
		}
	}()

	if wpm, err = acc.WPM(in.Keystrokes, clampMin1(in.TimeMs)); err != nil {
		return 0, 0, fmt.Errorf("%w: wpm: %v", ErrAccelerationUnavailable, err)
	}
	if accuracy, err = acc.Accuracy(in.Correct, in.Total); err != nil {
		return 0, 0, fmt.Errorf("%w: accuracy: %v", ErrAccelerationUnavailable, err)
	}
	return wpm, accuracy, nil
}

// PureAccelerator implements Accelerator with the pure-logic functions. It
// is useful as a reference backend and in tests.
type PureAccelerator struct{}

// WPM implements Accelerator.
func (PureAccelerator) WPM(keystrokes, timeMs float64) (int, error) {
	return CalculateWPM(keystrokes, timeMs), nil
}

// Accuracy implements Accelerator.
func (PureAccelerator) Accuracy(correct, total float64) (int, error) {
	return CalculateAccuracy(correct, total), nil
}
