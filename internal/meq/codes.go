// Request/result data model shared by forest nodes and the tile pipeline
package meq

import (
	"strconv"
	"strings"
)

// Node execute result codes. The low 16 bits carry the dependency mask of
// the result; the flags above it are OR-combined across children.
const (
	ResOK      int = 0
	ResDepMask int = 0xFFFF
	ResUpdated int = 1 << 16 // Sink wrote into its tile
	ResMissing int = 1 << 17 // No data for the request (spigot skew)
	ResWait    int = 1 << 18 // Not ready, re-invoke later
	ResAbort   int = 1 << 19 // Operator abort
	ResFail    int = 1 << 20 // Result carries fail vellsets
)

// Dependency mask levels of a RequestID
type DepMask uint16

const (
	DepDomain    DepMask = 1 << 0
	DepDataset   DepMask = 1 << 1
	DepIteration DepMask = 1 << 2
	DepAll       DepMask = 0xFFFF
)

const (
	LevelDomain    int = 0
	LevelDataset   int = 1
	LevelIteration int = 2
)

// Text form for logs and state records, e.g. "wait|fail|dep=0x1"
func CodeString(code int) (text string) {
	var parts []string
	if code&ResUpdated != 0 {
		parts = append(parts, "updated")
	}
	if code&ResMissing != 0 {
		parts = append(parts, "missing")
	}
	if code&ResWait != 0 {
		parts = append(parts, "wait")
	}
	if code&ResAbort != 0 {
		parts = append(parts, "abort")
	}
	if code&ResFail != 0 {
		parts = append(parts, "fail")
	}
	if len(parts) == 0 {
		parts = append(parts, "ok")
	}
	text = strings.Join(parts, "|")
	if dep := code & ResDepMask; dep != 0 {
		text += "|dep=0x" + strconv.FormatInt(int64(dep), 16)
	}
	return
}
