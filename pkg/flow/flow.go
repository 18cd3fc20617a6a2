// Package flow estimates the dispense rate from a stream of weight samples.
package flow

import (
	"sync"
	"time"

	"github.com/itohio/godoser/pkg/scale"
)

// DefaultWindow is the default time window of the estimator.
const DefaultWindow = 5 * time.Second

// Estimator keeps the weight samples of a time window together with the
// derivative between each consecutive pair:
//
//	derivative[i] = (sample[i+1] - sample[i]) / dt
//
// so n samples always have n-1 derivatives.
type Estimator struct {
	mu          sync.RWMutex
	window      time.Duration
	samples     []scale.Sample
	derivatives []float64 // g/s

	cbMu      sync.RWMutex
	callbacks []func(rate float64)
}

// New creates an estimator over the given time window.
func New(window time.Duration) *Estimator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Estimator{
		window:      window,
		samples:     make([]scale.Sample, 0),
		derivatives: make([]float64, 0),
	}
}

// Add appends a sample, drops samples outside the window and notifies
// callbacks with the new rate. Samples not newer than the last one are
// ignored.
func (e *Estimator) Add(s scale.Sample) {
	e.mu.Lock()

	if n := len(e.samples); n > 0 {
		prev := e.samples[n-1]
		dt := s.Time.Sub(prev.Time).Seconds()
		if dt <= 0 {
			e.mu.Unlock()
			return
		}
		e.derivatives = append(e.derivatives, (s.Grams()-prev.Grams())/dt)
	}
	e.samples = append(e.samples, s)

	// Drop samples at or before the cutoff together with the derivatives
	// that start at them
	cutoff := s.Time.Add(-e.window)
	drop := 0
	for drop < len(e.samples)-1 && !e.samples[drop].Time.After(cutoff) {
		drop++
	}
	if drop > 0 {
		e.samples = e.samples[drop:]
		e.derivatives = e.derivatives[drop:]
	}

	rate := e.rateLocked()
	e.mu.Unlock()

	e.notify(rate)
}

// Rate returns the mean dispense rate over the window in g/min.
func (e *Estimator) Rate() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rateLocked()
}

func (e *Estimator) rateLocked() float64 {
	if len(e.derivatives) == 0 {
		return 0
	}
	sum := 0.0
	for _, d := range e.derivatives {
		sum += d
	}
	return sum / float64(len(e.derivatives)) * 60
}

// Predict returns the weight expected to be added over the next d at the
// current rate. Negative rates predict nothing.
func (e *Estimator) Predict(d time.Duration) float64 {
	rate := e.Rate()
	if rate <= 0 || d <= 0 {
		return 0
	}
	return rate * d.Minutes()
}

// Reset clears all samples.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = e.samples[:0]
	e.derivatives = e.derivatives[:0]
}

// OnUpdate registers a callback invoked with the rate in g/min after every
// accepted sample. Callbacks run without locks held.
func (e *Estimator) OnUpdate(callback func(rate float64)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.callbacks = append(e.callbacks, callback)
}

func (e *Estimator) notify(rate float64) {
	e.cbMu.RLock()
	callbacks := make([]func(float64), len(e.callbacks))
	copy(callbacks, e.callbacks)
	e.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(rate)
		}
	}
}
