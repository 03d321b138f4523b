package market

import (
	"fmt"
	"time"
)

// Hours is a daily trading window in local time. The zero value is always open.
type Hours struct {
	open, close int // minutes since midnight
	set         bool
	loc         *time.Location
}

// AlwaysOpen never closes.
var AlwaysOpen = Hours{}

// ParseHours builds a window from "HH:MM" strings. Both empty means always
// open. A window whose close is before its open spans midnight.
func ParseHours(open, close string, loc *time.Location) (Hours, error) {
	if open == "" && close == "" {
		return AlwaysOpen, nil
	}
	o, err := parseClock(open)
	if err != nil {
		return Hours{}, fmt.Errorf("market open: %w", err)
	}
	c, err := parseClock(close)
	if err != nil {
		return Hours{}, fmt.Errorf("market close: %w", err)
	}
	if loc == nil {
		loc = time.Local
	}
	return Hours{open: o, close: c, set: true, loc: loc}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// IsOpen reports whether trading is allowed at t.
func (h Hours) IsOpen(t time.Time) bool {
	if !h.set || h.open == h.close {
		return true
	}
	lt := t.In(h.loc)
	m := lt.Hour()*60 + lt.Minute()
	if h.open < h.close {
		return m >= h.open && m < h.close
	}
	return m >= h.open || m < h.close
}

// Window returns the configured bounds as HH:MM strings.
func (h Hours) Window() (string, string) {
	if !h.set {
		return "00:00", "24:00"
	}
	return fmt.Sprintf("%02d:%02d", h.open/60, h.open%60), fmt.Sprintf("%02d:%02d", h.close/60, h.close%60)
}
