package forest

import (
	"errors"
	"fmt"
	"io"
	"meqserver/internal/global"
	"meqserver/internal/logctx"
	"meqserver/internal/record"

	"gopkg.in/yaml.v3"
)

// Batch node definitions:
//
//	forest:
//	  cache_policy: smart
//	nodes:
//	  - {name: x, class: MeqFreq}
//	  - {name: y, class: MeqMultiply, children: [x, x]}
type Script struct {
	Forest map[string]any   `yaml:"forest"`
	Nodes  []map[string]any `yaml:"nodes"`
}

func ParseScript(reader io.Reader) (script Script, err error) {
	limited := io.LimitReader(reader, global.DefaultScriptMaxSize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		err = fmt.Errorf("failed to read forest script: %w", err)
		return
	}
	if int64(len(data)) > global.DefaultScriptMaxSize {
		err = fmt.Errorf("forest script exceeds %d bytes", global.DefaultScriptMaxSize)
		return
	}
	err = yaml.Unmarshal(data, &script)
	if err != nil {
		err = fmt.Errorf("invalid forest script: %w", err)
		return
	}
	if len(script.Nodes) == 0 {
		err = errors.New("forest script defines no nodes")
	}
	return
}

// Creates every node of the script, then links and initializes the batch
func (forest *Forest) LoadScript(reader io.Reader) (indices []int, err error) {
	script, err := ParseScript(reader)
	if err != nil {
		return
	}

	if len(script.Forest) > 0 {
		err = forest.SetState(record.Record(script.Forest))
		if err != nil {
			return
		}
	}

	for i, spec := range script.Nodes {
		var index int
		index, _, err = forest.Create(record.Record(spec))
		if err != nil {
			err = fmt.Errorf("script node %d: %w", i, err)
			return
		}
		indices = append(indices, index)
	}

	err = forest.InitAll()
	if err != nil {
		return
	}

	logctx.LogEvent(forest.ctx, global.VerbosityProgress, global.InfoLog,
		"loaded %d nodes from forest script\n", len(indices))
	return
}
