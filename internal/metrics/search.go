package metrics

import (
	"cmp"
	"fmt"
	"meqserver/internal/calc"
	"meqserver/internal/global"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Prefix match on namespace elements. Empty query matches all.
func matchesNamespace(metricNS, queryNS []string) bool {
	if len(metricNS) < len(queryNS) {
		return false
	}
	return slices.Equal(metricNS[:len(queryNS)], queryNS)
}

// Slice times inside [start, end], oldest first. Zero bounds are open.
func (registry *Registry) window(start, end time.Time) (times []time.Time) {
	for timeSlice := range registry.slices {
		if !start.IsZero() && timeSlice.Before(start) {
			continue
		}
		if !end.IsZero() && timeSlice.After(end) {
			continue
		}
		times = append(times, timeSlice)
	}
	slices.SortFunc(times, func(a, b time.Time) int { return a.Compare(b) })
	return
}

func compareSeries(a, b series) int {
	return cmp.Or(strings.Compare(a.namespace, b.namespace), strings.Compare(a.name, b.name))
}

// Returns samples with the given name (any name when empty) under
// namespacePrefix within the time window. Ordered by time slice, then
// namespace and name.
func (registry *Registry) Search(name string, namespacePrefix []string, start, end time.Time) (results []Metric) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	for _, timeSlice := range registry.window(start, end) {
		samples := registry.slices[timeSlice]
		keys := make([]series, 0, len(samples))
		for key, metric := range samples {
			if name != "" && key.name != name {
				continue
			}
			if !matchesNamespace(metric.Namespace, namespacePrefix) {
				continue
			}
			keys = append(keys, key)
		}
		slices.SortFunc(keys, compareSeries)
		for _, key := range keys {
			results = append(results, samples[key])
		}
	}
	return
}

// Lists the distinct series matching the filters without values or
// timestamps. Name and description match by substring. Empty filters match all.
func (registry *Registry) Discover(name, description string, namespacePrefix []string, unit string, metricType MetricType) (results []Metric) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	type discoveryKey struct {
		series
		metricType MetricType
		unit       string
	}
	seen := make(map[discoveryKey]Metric)
	for _, samples := range registry.slices {
		for key, metric := range samples {
			switch {
			case !matchesNamespace(metric.Namespace, namespacePrefix):
				continue
			case name != "" && !strings.Contains(metric.Name, name):
				continue
			case description != "" && !strings.Contains(metric.Description, description):
				continue
			case unit != "" && metric.Value.Unit != unit:
				continue
			case metricType != "" && metric.Type != metricType:
				continue
			}
			seen[discoveryKey{key, metric.Type, metric.Value.Unit}] = Metric{
				Name:        metric.Name,
				Description: metric.Description,
				Namespace:   metric.Namespace,
				Type:        metric.Type,
				Value:       MetricValue{Unit: metric.Value.Unit},
			}
		}
	}

	results = make([]Metric, 0, len(seen))
	for _, metric := range seen {
		results = append(results, metric)
	}
	slices.SortFunc(results, func(a, b Metric) int {
		return cmp.Or(
			strings.Compare(a.Name, b.Name),
			strings.Compare(JoinNamespace(a.Namespace), JoinNamespace(b.Namespace)),
			strings.Compare(a.Value.Unit, b.Value.Unit),
		)
	})
	return
}

// Reduces every matching sample in the window to a single value (sum, avg, tmean, p95, min or max)
func (registry *Registry) Aggregate(aggType, name string, namespacePrefix []string, start, end time.Time) (result Metric, err error) {
	samples := registry.Search(name, namespacePrefix, start, end)
	if len(samples) == 0 {
		err = fmt.Errorf("no metrics named '%s' under '%s'", name, JoinNamespace(namespacePrefix))
		return
	}

	values := make([]float64, 0, len(samples))
	for _, sample := range samples {
		var value float64
		value, err = toFloat(sample.Value.Raw)
		if err != nil {
			err = fmt.Errorf("metric '%s' at %s: %w", sample.Name, sample.Timestamp.Format(time.RFC3339), err)
			return
		}
		values = append(values, value)
	}

	var value float64
	switch aggType {
	case global.MetricSum:
		for _, sample := range values {
			value += sample
		}
	case global.MetricAvg:
		for _, sample := range values {
			value += sample
		}
		value /= float64(len(values))
	case global.MetricTrimmedMean:
		value = calc.TrimmedMean(values, 0.10)
	case global.MetricP95:
		value = calc.Quantile(values, 0.95)
	case global.MetricMin:
		value = slices.Min(values)
	case global.MetricMax:
		value = slices.Max(values)
	default:
		err = fmt.Errorf("unknown aggregation type '%s'", aggType)
		return
	}

	first := samples[0]
	result = Metric{
		Name:        first.Name,
		Description: aggType + " of " + first.Description,
		Namespace:   namespacePrefix,
		Type:        Summary,
		Timestamp:   samples[len(samples)-1].Timestamp,
		Value: MetricValue{
			Raw:      value,
			Unit:     first.Value.Unit,
			Interval: end.Sub(start),
		},
	}
	return
}

func toFloat(raw interface{}) (value float64, err error) {
	switch typed := raw.(type) {
	case float64:
		value = typed
	case float32:
		value = float64(typed)
	case int:
		value = float64(typed)
	case int64:
		value = float64(typed)
	case int32:
		value = float64(typed)
	case uint64:
		value = float64(typed)
	case uint32:
		value = float64(typed)
	case uint:
		value = float64(typed)
	case time.Duration:
		value = float64(typed)
	case string:
		value, err = strconv.ParseFloat(typed, 64)
	default:
		err = fmt.Errorf("non-numeric value of type %T", raw)
	}
	return
}
