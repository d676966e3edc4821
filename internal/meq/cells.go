package meq

import (
	"fmt"
	"slices"
)

const (
	AxisTime = "time"
	AxisFreq = "freq"
)

// Evaluation grid over time and frequency
type Cells struct {
	Times      []float64 `json:"times"`
	TimeWidths []float64 `json:"time_widths"`
	Freqs      []float64 `json:"freqs"`
	FreqWidths []float64 `json:"freq_widths"`
}

// Regular grid helper; widths default to the step
func NewCells(times, freqs []float64) (cells *Cells) {
	cells = &Cells{
		Times:      slices.Clone(times),
		TimeWidths: steps(times),
		Freqs:      slices.Clone(freqs),
		FreqWidths: steps(freqs),
	}
	return
}

func steps(centres []float64) (widths []float64) {
	widths = make([]float64, len(centres))
	for i := range centres {
		switch {
		case len(centres) == 1:
			widths[i] = 1
		case i+1 < len(centres):
			widths[i] = centres[i+1] - centres[i]
		default:
			widths[i] = centres[i] - centres[i-1]
		}
	}
	return
}

// Shape is [ntime, nfreq]
func (cells *Cells) Shape() []int {
	if cells == nil {
		return []int{1, 1}
	}
	return []int{max(len(cells.Times), 1), max(len(cells.Freqs), 1)}
}

func (cells *Cells) Size() int {
	shape := cells.Shape()
	return shape[0] * shape[1]
}

func (cells *Cells) Equal(other *Cells) bool {
	if cells == nil || other == nil {
		return cells == other
	}
	return slices.Equal(cells.Times, other.Times) &&
		slices.Equal(cells.Freqs, other.Freqs) &&
		slices.Equal(cells.TimeWidths, other.TimeWidths) &&
		slices.Equal(cells.FreqWidths, other.FreqWidths)
}

func (cells *Cells) Validate() (err error) {
	if cells == nil {
		return
	}
	if len(cells.TimeWidths) != len(cells.Times) {
		err = fmt.Errorf("cells have %d time centres but %d widths", len(cells.Times), len(cells.TimeWidths))
		return
	}
	if len(cells.FreqWidths) != len(cells.Freqs) {
		err = fmt.Errorf("cells have %d freq centres but %d widths", len(cells.Freqs), len(cells.FreqWidths))
		return
	}
	return
}

func (cells *Cells) String() string {
	if cells == nil {
		return "cells<nil>"
	}
	return fmt.Sprintf("cells[%dx%d]", len(cells.Times), len(cells.Freqs))
}
