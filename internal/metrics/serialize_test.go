package metrics

import (
	"encoding/json"
	"meqserver/internal/global"
	"testing"
	"time"
)

func TestFormatRaw(t *testing.T) {
	tests := []struct {
		raw  interface{}
		want string
	}{
		{nil, ""},
		{uint64(45), "45"},
		{-5, "-5"},
		{3.14, "3.14"},
		{1e-9, "1e-09"},
		{float32(0.1), "0.1"},
		{"150", "150"},
		{true, "true"},
	}
	for _, tt := range tests {
		got := formatRaw(tt.raw)
		if got != tt.want {
			t.Errorf("formatRaw(%#v) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestConvertSample(t *testing.T) {
	at := time.Date(2026, 1, 1, 1, 1, 1, 1, time.UTC)
	in := sample("tiles_written", "tiles handed to writers", muxOutput, Counter, at, uint64(7), "count")
	in.Value.Interval = 500 * time.Millisecond

	out := in.Convert()
	want := JMetric{
		Name:        "tiles_written",
		Description: "tiles handed to writers",
		Namespace:   "VisDataMux/mux/Output",
		Type:        "counter",
		Timestamp:   "2026-01-01T01:01:01.000000001Z",
		Value:       JMetricValue{Raw: "7", Unit: "count", Interval: "500ms"},
	}
	if out != want {
		t.Fatalf("unexpected conversion:\nExpected: %+v\nGot:      %+v", want, out)
	}

	zero := Metric{}.Convert()
	if zero.Namespace != "" || zero.Value.Raw != "" || zero.Value.Interval != "0s" {
		t.Fatalf("unexpected zero conversion: %+v", zero)
	}
}

// Exported namespaces split back into the stored elements
func TestConvertedSearchResults(t *testing.T) {
	reg, ts := setupRegistryWithData(t)

	results := reg.Search("queue_depth", []string{global.NSForest}, ts["ts1"], ts["ts1"])
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	encoded, err := json.Marshal(results[0].Convert())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded JMetric
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ns := SplitNamespace(decoded.Namespace)
	if len(ns) != 1 || ns[0] != global.NSForest || decoded.Value.Raw != "5" {
		t.Fatalf("unexpected export: %s", encoded)
	}
}
