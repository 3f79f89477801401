// Package visibility reports viewport-intersection transitions for rendered
// messages.
package visibility

import (
	"sync"

	"chatsync/internal/constants"
)

// Listener receives visibility transitions.
type Listener func(id string, visible bool)

// Observer tracks rendered elements by message id.
type Observer interface {
	Observe(elementRef any, id string)
	Unobserve(id string)
}

// ThresholdObserver turns raw intersection ratios into visible/hidden
// transitions. A rendering layer calls Report with the fraction of each
// element inside the viewport.
type ThresholdObserver struct {
	mu        sync.Mutex
	threshold float64
	observed  map[string]any
	visible   map[string]bool
	listeners []Listener
}

// NewThresholdObserver creates an observer. A non-positive threshold uses
// the default of one half.
func NewThresholdObserver(threshold float64) *ThresholdObserver {
	if threshold <= 0 || threshold > 1 {
		threshold = constants.VisibilityThreshold
	}
	return &ThresholdObserver{
		threshold: threshold,
		observed:  make(map[string]any),
		visible:   make(map[string]bool),
	}
}

// OnChange registers a listener.
func (o *ThresholdObserver) OnChange(l Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}

func (o *ThresholdObserver) Observe(elementRef any, id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observed[id] = elementRef
}

func (o *ThresholdObserver) Unobserve(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.observed, id)
	delete(o.visible, id)
}

// Observed reports whether id is currently tracked.
func (o *ThresholdObserver) Observed(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.observed[id]
	return ok
}

// Report records the intersection ratio of id and notifies listeners when it
// crosses the threshold. Reports for unobserved ids are ignored.
func (o *ThresholdObserver) Report(id string, ratio float64) {
	o.mu.Lock()
	if _, ok := o.observed[id]; !ok {
		o.mu.Unlock()
		return
	}
	visible := ratio >= o.threshold
	if o.visible[id] == visible {
		o.mu.Unlock()
		return
	}
	o.visible[id] = visible
	listeners := append([]Listener(nil), o.listeners...)
	o.mu.Unlock()

	for _, l := range listeners {
		l(id, visible)
	}
}
