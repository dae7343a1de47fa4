package offset

import (
	"sync"
	"time"
)

const (
	defaultFeedbackDelay = 45 * time.Second
	delaySafetyBuffer    = 5 * time.Second
	delayAlpha           = 0.3
	delayMinSamples      = 3

	minObservedDelay = 5 * time.Second
	maxObservedDelay = 10 * time.Minute
)

// DelayLearner tracks how long the wrapped unit takes to stabilize after an
// adjustment, so the feedback callback fires once the sensors have settled
// instead of on a fixed guess.
type DelayLearner struct {
	mu           sync.Mutex
	defaultDelay time.Duration
	ewmaSeconds  float64
	samples      int
}

// NewDelayLearner uses defaultDelay until enough observations accumulate.
// A zero defaultDelay selects 45 seconds.
func NewDelayLearner(defaultDelay time.Duration) *DelayLearner {
	if defaultDelay <= 0 {
		defaultDelay = defaultFeedbackDelay
	}
	return &DelayLearner{defaultDelay: defaultDelay}
}

// RecordStabilization feeds one observed settle time. Observations outside
// [5s, 10min] are clamped rather than dropped.
func (d *DelayLearner) RecordStabilization(observed time.Duration) {
	if observed < minObservedDelay {
		observed = minObservedDelay
	} else if observed > maxObservedDelay {
		observed = maxObservedDelay
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.samples == 0 {
		d.ewmaSeconds = observed.Seconds()
	} else {
		d.ewmaSeconds = delayAlpha*observed.Seconds() + (1-delayAlpha)*d.ewmaSeconds
	}
	d.samples++
}

// AdaptiveDelay returns the learned delay once at least three observations
// exist.
func (d *DelayLearner) AdaptiveDelay() (time.Duration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.samples < delayMinSamples {
		return 0, false
	}
	return time.Duration(d.ewmaSeconds * float64(time.Second)), true
}

// FeedbackDelay is the adaptive delay (or the default before one is
// learned) plus a fixed safety buffer.
func (d *DelayLearner) FeedbackDelay() time.Duration {
	if adaptive, ok := d.AdaptiveDelay(); ok {
		return adaptive + delaySafetyBuffer
	}
	return d.defaultDelay + delaySafetyBuffer
}
