package server

import (
	"time"

	"github.com/smallbiznis/finsight/internal/period"
)

func resolveWindow(from, to *time.Time, freq period.Frequency, now time.Time) (period.Window, error) {
	if from == nil {
		end := period.Normalize(now)
		if to != nil {
			end = period.Normalize(*to)
		}
		// one full period ending at end
		return period.Previous(period.Window{Start: end, End: end}, freq)
	}

	start := period.Normalize(*from)
	var end time.Time
	if to != nil {
		end = period.Normalize(*to)
	} else {
		next, err := period.Advance(start, freq)
		if err != nil {
			return period.Window{}, err
		}
		end = next
	}
	if !start.Before(end) {
		return period.Window{}, newValidationError("to", "invalid_window", "to must be after from")
	}
	return period.Window{Start: start, End: end}, nil
}
