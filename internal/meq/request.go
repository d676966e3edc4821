package meq

import (
	"fmt"
	"meqserver/internal/record"
)

// Evaluation modes
const (
	EvalNormal   int = iota
	EvalSingle       // Evaluate without perturbations
	EvalDiscover     // Discover spids only
)

type Request struct {
	ID       RequestID
	Cells    *Cells
	Rider    record.Record // Per-request commands keyed by node group
	EvalMode int
}

func NewRequest(id RequestID, cells *Cells) *Request {
	return &Request{ID: id, Cells: cells}
}

func (req *Request) HasCells() bool { return req.Cells != nil }

func (req *Request) String() string {
	return fmt.Sprintf("request<%s %s>", req.ID, req.Cells)
}

// Builds a request from a command record: {request_id, cells{times,freqs}, rider, eval_mode}
func RequestFromRecord(rec record.Record) (req *Request, err error) {
	req = &Request{}
	if text := rec.String("request_id", ""); text != "" {
		req.ID, err = ParseRequestID(text)
		if err != nil {
			return
		}
	} else if ints := rec.Ints("request_id"); len(ints) > 0 {
		req.ID = NewRequestID(ints...)
	}
	if cellsRec := rec.Record("cells"); cellsRec != nil {
		times, freqs := cellsRec.Floats("times"), cellsRec.Floats("freqs")
		if len(times) == 0 || len(freqs) == 0 {
			err = fmt.Errorf("request cells need non-empty times and freqs")
			return
		}
		req.Cells = NewCells(times, freqs)
		if widths := cellsRec.Floats("time_widths"); len(widths) > 0 {
			req.Cells.TimeWidths = widths
		}
		if widths := cellsRec.Floats("freq_widths"); len(widths) > 0 {
			req.Cells.FreqWidths = widths
		}
		err = req.Cells.Validate()
		if err != nil {
			return
		}
	}
	req.Rider = rec.Record("rider")
	req.EvalMode = rec.Int("eval_mode", EvalNormal)
	return
}

// Record form of a result for command replies and published events
func ResultRecord(result *Result) (rec record.Record) {
	rec = record.Record{}
	if result == nil {
		return
	}
	if result.Cells != nil {
		rec["cells"] = record.Record{
			"times": append([]float64(nil), result.Cells.Times...),
			"freqs": append([]float64(nil), result.Cells.Freqs...),
		}
	}
	var vellsets []any
	for _, vs := range result.VellSets {
		entry := record.Record{}
		if vs.Value != nil {
			entry["shape"] = append([]int(nil), vs.Value.Shape...)
			if vs.Value.IsComplex() {
				var re, im []float64
				for _, value := range vs.Value.Complex {
					re = append(re, real(value))
					im = append(im, imag(value))
				}
				entry["value_re"] = re
				entry["value_im"] = im
			} else {
				entry["value"] = append([]float64(nil), vs.Value.Real...)
			}
		}
		if len(vs.Fails) > 0 {
			var fails []any
			for _, fail := range vs.Fails {
				fails = append(fails, record.Record{"node": fail.Node, "message": fail.Message})
			}
			entry["fail"] = fails
		}
		if vs.HasFlags() {
			entry["flags"] = append([]int(nil), vs.Flags...)
		}
		vellsets = append(vellsets, entry)
	}
	rec["vellsets"] = vellsets
	return
}
