package record

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTypedGetters(t *testing.T) {
	var decoded Record
	err := json.Unmarshal([]byte(`{
		"name": "sink:1:2",
		"nodeindex": 7,
		"value": 2.5,
		"enabled": true,
		"children": ["a", "b"],
		"corr_index": [0, 3],
		"state": {"cache_policy": 1}
	}`), &decoded)
	require.NoError(t, err)

	require.Equal(t, "sink:1:2", decoded.String("name", ""))
	require.Equal(t, 7, decoded.Int("nodeindex", 0))
	require.Equal(t, 2.5, decoded.Float("value", 0))
	require.True(t, decoded.Bool("enabled", false))
	require.Equal(t, []string{"a", "b"}, decoded.Strings("children"))
	require.Equal(t, []int{0, 3}, decoded.Ints("corr_index"))
	require.Equal(t, 1, decoded.Record("state").Int("cache_policy", 0))

	require.Equal(t, "fallback", decoded.String("missing", "fallback"))
	require.Equal(t, -1, decoded.Int("name", -1), "non-numeric field falls back")
	require.Equal(t, []string{"x"}, Record{"children": "x"}.Strings("children"))
}

func TestCloneIsDeep(t *testing.T) {
	orig := Record{
		"children": []string{"a"},
		"state":    Record{"values": []float64{1, 2}},
	}
	copied := orig.Clone()
	copied["children"].([]string)[0] = "mutated"
	copied.Record("state")["values"].([]float64)[0] = 99

	require.Equal(t, "a", orig["children"].([]string)[0])
	require.Equal(t, 1.0, orig.Record("state")["values"].([]float64)[0])
}

func TestDigest(t *testing.T) {
	a, err := Record{"x": 1, "y": "z"}.Digest()
	require.NoError(t, err)
	b, err := Record{"y": "z", "x": 1}.Digest()
	require.NoError(t, err)
	c, err := Record{"x": 2, "y": "z"}.Digest()
	require.NoError(t, err)

	require.Equal(t, a, b, "field order must not change digest")
	require.NotEqual(t, a, c)

	_, err = Record{"bad": func() {}}.Digest()
	require.Error(t, err)
}

func TestMerge(t *testing.T) {
	base := Record{"a": 1}
	base.Merge(Record{"b": []int{1}})
	require.Equal(t, []string{"a", "b"}, base.Fields())
}
