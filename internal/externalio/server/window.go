package server

import (
	"fmt"
	"net/http"
	"time"
)

const defaultWindow = time.Minute

// Reads starttime/endtime query values. Relative values are offsets from now.
func parseWindow(clientRequest *http.Request, now time.Time) (start, end time.Time, err error) {
	rawStartTime := clientRequest.FormValue("starttime")
	switch {
	case rawStartTime == "":
		start = now.Add(-defaultWindow)
	case rawStartTime[0] == '-' || rawStartTime[0] == '+':
		dur, parseErr := time.ParseDuration(rawStartTime)
		if parseErr != nil {
			// Unparseable relative start falls back to the default window
			start = now.Add(-defaultWindow)
		} else {
			start = now.Add(dur)
		}
	default:
		start, err = time.Parse(time.RFC3339Nano, rawStartTime)
		if err != nil {
			err = fmt.Errorf("invalid starttime: %w", err)
			return
		}
	}
	if start.After(now) {
		err = fmt.Errorf("starttime %s is in the future", start.Format(time.RFC3339))
		return
	}

	rawEndTime := clientRequest.FormValue("endtime")
	switch {
	case rawEndTime == "" || rawEndTime == "now":
		end = now
	case rawEndTime[0] == '-' || rawEndTime[0] == '+':
		var dur time.Duration
		dur, err = time.ParseDuration(rawEndTime)
		if err != nil {
			err = fmt.Errorf("invalid relative endtime: %w", err)
			return
		}
		end = now.Add(dur)
	default:
		end, err = time.Parse(time.RFC3339Nano, rawEndTime)
		if err != nil {
			err = fmt.Errorf("invalid endtime: %w", err)
			return
		}
	}
	return
}
