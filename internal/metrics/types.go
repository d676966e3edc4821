package metrics

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidMetric    = errors.New("invalid metric")
	ErrUnknownNamespace = errors.New("namespace outside registry roots")
	ErrNoTimeSlice      = errors.New("time slice not open")
)

type MetricType string

const (
	Counter MetricType = "counter" // always increasing
	Gauge   MetricType = "gauge"   // can go up/down
	Summary MetricType = "summary" // avg/min/max
)

// Accepts a type name in any case. Empty text gives the empty type (no filter).
func ParseMetricType(text string) (metricType MetricType, err error) {
	metricType = MetricType(strings.ToLower(text))
	switch metricType {
	case "", Counter, Gauge, Summary:
	default:
		err = fmt.Errorf("unknown metric type '%s'", text)
	}
	return
}

// Container for a metric and associated data
type Metric struct {
	Name        string // e.g. executes, queue_depth
	Description string
	Namespace   []string // e.g. "Forest", "VisDataMux/mux"
	Value       MetricValue
	Type        MetricType
	Timestamp   time.Time // time when the metric was recorded
}

// Specific value of a metric
type MetricValue struct {
	Raw      interface{}   // uint64, float64
	Unit     string        // e.g., "ns", "bytes", "count"
	Interval time.Duration // measurement window
}

// Anything that reports interval metrics to the registry
type Collector interface {
	CollectMetrics(interval time.Duration) []Metric
}

// JSON version
type JMetric struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Namespace   string       `json:"namespace"`
	Value       JMetricValue `json:"value"`
	Type        string       `json:"type"`
	Timestamp   string       `json:"timestamp"`
}

type JMetricValue struct {
	Raw      string `json:"raw"`
	Unit     string `json:"unit"`
	Interval string `json:"interval"`
}
