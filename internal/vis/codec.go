package vis

import (
	"encoding/json"
	"fmt"
)

const (
	EventHeader = "header"
	EventData   = "data"
	EventFooter = "footer"
)

// One line of a serialized tile stream
type StreamEvent struct {
	Type   string  `json:"type"`
	Header *Header `json:"header,omitempty"`
	Tile   *Tile   `json:"tile,omitempty"`
	Footer *Footer `json:"footer,omitempty"`
}

// Passes a decoded event to the matching mux entry point
func (class *Mux) Apply(event StreamEvent) (err error) {
	switch event.Type {
	case EventHeader:
		if event.Header == nil {
			err = fmt.Errorf("header event without header")
			return
		}
		err = class.DeliverHeader(event.Header)
	case EventData:
		if event.Tile == nil {
			err = fmt.Errorf("data event without tile")
			return
		}
		err = class.DeliverTile(event.Tile)
	case EventFooter:
		err = class.DeliverFooter(event.Footer)
	default:
		err = fmt.Errorf("unknown stream event type '%s'", event.Type)
	}
	return
}

func (typ ColumnType) MarshalJSON() ([]byte, error) {
	return json.Marshal(typ.String())
}

func (typ *ColumnType) UnmarshalJSON(data []byte) (err error) {
	var text string
	err = json.Unmarshal(data, &text)
	if err != nil {
		return
	}
	*typ, err = ParseColumnType(text)
	return
}

// Complex values travel as separate real and imaginary arrays
type jsonColumn struct {
	Type   ColumnType `json:"type"`
	Values []float64  `json:"values,omitempty"`
	Imag   []float64  `json:"imag,omitempty"`
	Flags  []int      `json:"flags,omitempty"`
}

func (column *Column) MarshalJSON() ([]byte, error) {
	out := jsonColumn{Type: column.Type}
	switch column.Type {
	case ColumnDouble:
		out.Values = column.Double
	case ColumnFloat:
		out.Values = make([]float64, len(column.Float))
		for i, value := range column.Float {
			out.Values[i] = float64(value)
		}
	case ColumnComplex:
		out.Values = make([]float64, len(column.Complex))
		out.Imag = make([]float64, len(column.Complex))
		for i, value := range column.Complex {
			out.Values[i], out.Imag[i] = real(value), imag(value)
		}
	case ColumnFlag:
		out.Flags = column.Flag
	}
	return json.Marshal(out)
}

func (column *Column) UnmarshalJSON(data []byte) (err error) {
	var in jsonColumn
	err = json.Unmarshal(data, &in)
	if err != nil {
		return
	}
	*column = Column{Type: in.Type}
	switch in.Type {
	case ColumnDouble:
		column.Double = in.Values
	case ColumnFloat:
		column.Float = make([]float32, len(in.Values))
		for i, value := range in.Values {
			column.Float[i] = float32(value)
		}
	case ColumnComplex:
		if len(in.Imag) != 0 && len(in.Imag) != len(in.Values) {
			err = fmt.Errorf("complex column has %d real and %d imaginary values", len(in.Values), len(in.Imag))
			return
		}
		column.Complex = make([]complex128, len(in.Values))
		for i, value := range in.Values {
			var im float64
			if len(in.Imag) > 0 {
				im = in.Imag[i]
			}
			column.Complex[i] = complex(value, im)
		}
	case ColumnFlag:
		column.Flag = in.Flags
	}
	return
}
