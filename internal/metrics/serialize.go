package metrics

import (
	"fmt"
	"strconv"
	"time"
)

// Converts internal metric type to export (JSON) metric
func (inMetric Metric) Convert() (outMetric JMetric) {
	outMetric = JMetric{
		Name:        inMetric.Name,
		Description: inMetric.Description,
		Namespace:   JoinNamespace(inMetric.Namespace),
		Type:        string(inMetric.Type),
		Timestamp:   inMetric.Timestamp.Format(time.RFC3339Nano),
		Value: JMetricValue{
			Raw:      formatRaw(inMetric.Value.Raw),
			Unit:     inMetric.Value.Unit,
			Interval: inMetric.Value.Interval.String(),
		},
	}
	return
}

// Shortest exact text for floats, empty for unset values
func formatRaw(raw interface{}) string {
	switch typed := raw.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(typed, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(typed), 'g', -1, 32)
	case string:
		return typed
	}
	return fmt.Sprintf("%v", raw)
}
