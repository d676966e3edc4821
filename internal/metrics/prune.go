package metrics

import "time"

// Drops slices older than maxAge at currentTime. Returns the number of samples removed.
func (registry *Registry) Prune(currentTime time.Time, maxAge time.Duration) (removed int) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	for timeSlice, samples := range registry.slices {
		if currentTime.Sub(timeSlice) > maxAge {
			removed += len(samples)
			delete(registry.slices, timeSlice)
		}
	}
	return
}

// Number of open slices and stored samples
func (registry *Registry) Size() (timeSlices int, samples int) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	timeSlices = len(registry.slices)
	for _, slice := range registry.slices {
		samples += len(slice)
	}
	return
}
