// Package irq dispatches interrupts arriving on eventfds to the routines
// registered for their vector.
package irq

import "errors"

var ErrAlreadyRunning = errors.New("irq: dispatch loop already running")
var ErrInvalidVector = errors.New("irq: invalid vector")
var ErrClosed = errors.New("irq: engine closed")

// ISR is invoked once per signal received on a vector it is registered for.
// Implementations must be comparable; pointer receivers are the usual choice.
type ISR interface {
	OnInterrupt(vector int)
}

type funcISR struct {
	fn func(vector int)
}

func (f *funcISR) OnInterrupt(vector int) {
	f.fn(vector)
}

// Func adapts fn to an ISR. Each call returns a distinct routine.
func Func(fn func(vector int)) ISR {
	return &funcISR{fn: fn}
}
