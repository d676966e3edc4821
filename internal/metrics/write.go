package metrics

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// Opens the slice for the interval containing now. A non-positive interval uses now as is.
func (registry *Registry) NewTimeSlice(now time.Time, interval time.Duration) (timeSlice time.Time) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	timeSlice = now
	if interval > 0 {
		timeSlice = now.Truncate(interval)
	}
	if registry.slices[timeSlice] == nil {
		registry.slices[timeSlice] = make(map[series]Metric)
	}
	return
}

// Stores a batch in an open slice, replacing earlier samples of the same
// series. Invalid metrics are skipped and reported together.
func (registry *Registry) Add(timeSlice time.Time, batch []Metric) (stored int, err error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	samples := registry.slices[timeSlice]
	if samples == nil {
		err = fmt.Errorf("%w: %s", ErrNoTimeSlice, timeSlice.Format(time.RFC3339Nano))
		return
	}

	var rejected []error
	for _, metric := range batch {
		if invalid := registry.validate(metric); invalid != nil {
			rejected = append(rejected, invalid)
			continue
		}
		samples[series{namespace: JoinNamespace(metric.Namespace), name: metric.Name}] = metric
		stored++
	}
	err = errors.Join(rejected...)
	return
}

// Reads every collector once into the slice. A collector that panics is
// reported as an error and the rest still run.
func (registry *Registry) Collect(timeSlice time.Time, interval time.Duration, collectors ...Collector) (stored int, err error) {
	var errs []error
	for _, collector := range collectors {
		batch, collectErr := collectSafely(collector, interval)
		if collectErr != nil {
			errs = append(errs, collectErr)
			continue
		}
		added, addErr := registry.Add(timeSlice, batch)
		stored += added
		if addErr != nil {
			errs = append(errs, addErr)
		}
	}
	err = errors.Join(errs...)
	return
}

func collectSafely(collector Collector, interval time.Duration) (batch []Metric, err error) {
	defer func() {
		if fatalError := recover(); fatalError != nil {
			err = fmt.Errorf("panic in %T collector: %v\n%s", collector, fatalError, debug.Stack())
		}
	}()
	batch = collector.CollectMetrics(interval)
	return
}
