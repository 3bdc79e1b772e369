package shared

import (
	"fmt"
	"time"
)

// Interval represents the market data time period.
type Interval int

const (
	OneMinute Interval = iota
	ThreeMinute
	FiveMinute
	FifteenMinute
	ThirtyMinute
	OneHour
	FourHour
	OneDay
	ThreeDay
)

// String stringifies the provided interval.
func (i Interval) String() string {
	switch i {
	case OneMinute:
		return "1m"
	case ThreeMinute:
		return "3m"
	case FiveMinute:
		return "5m"
	case FifteenMinute:
		return "15m"
	case ThirtyMinute:
		return "30m"
	case OneHour:
		return "1h"
	case FourHour:
		return "4h"
	case OneDay:
		return "1d"
	case ThreeDay:
		return "3d"
	default:
		return "unknown"
	}
}

// ParseInterval parses an interval from its string form.
func ParseInterval(str string) (Interval, error) {
	switch str {
	case "1m":
		return OneMinute, nil
	case "3m":
		return ThreeMinute, nil
	case "5m":
		return FiveMinute, nil
	case "15m":
		return FifteenMinute, nil
	case "30m":
		return ThirtyMinute, nil
	case "1h":
		return OneHour, nil
	case "4h":
		return FourHour, nil
	case "1d":
		return OneDay, nil
	case "3d":
		return ThreeDay, nil
	default:
		return 0, fmt.Errorf("unknown interval: %s", str)
	}
}

// Minutes returns the number of minutes covered by the interval.
func (i Interval) Minutes() int64 {
	switch i {
	case OneMinute:
		return 1
	case ThreeMinute:
		return 3
	case FiveMinute:
		return 5
	case FifteenMinute:
		return 15
	case ThirtyMinute:
		return 30
	case OneHour:
		return 60
	case FourHour:
		return 240
	case OneDay:
		return 1440
	case ThreeDay:
		return 4320
	default:
		return 0
	}
}

// Milliseconds returns the interval length in milliseconds.
func (i Interval) Milliseconds() int64 {
	return i.Minutes() * time.Minute.Milliseconds()
}

// Duration returns the interval as a duration.
func (i Interval) Duration() time.Duration {
	return time.Duration(i.Minutes()) * time.Minute
}

// ValidSignalInterval asserts the interval is usable as a strategy
// consultation interval.
func (i Interval) ValidSignalInterval() bool {
	switch i {
	case OneMinute, ThreeMinute, FiveMinute, FifteenMinute, ThirtyMinute, OneHour:
		return true
	default:
		return false
	}
}

// MultipleOf asserts the interval is an integer multiple of the provided
// interval. Frame intervals are required to be multiples of the strategy
// interval driving them.
func (i Interval) MultipleOf(other Interval) bool {
	if other.Minutes() == 0 {
		return false
	}

	return i.Minutes()%other.Minutes() == 0
}
