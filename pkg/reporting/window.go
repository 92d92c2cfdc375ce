package reporting

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidWindow is returned for empty or inverted windows.
var ErrInvalidWindow = errors.New("invalid reporting window")

// DefaultWindowLength is used when only the end of a window is given.
const DefaultWindowLength = 30 * 24 * time.Hour

// Window is a half-open time range [From, To).
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Validate checks that the window is non-empty.
func (w Window) Validate() error {
	if w.From.IsZero() || w.To.IsZero() {
		return fmt.Errorf("%w: from and to are required", ErrInvalidWindow)
	}
	if !w.From.Before(w.To) {
		return fmt.Errorf("%w: from %s is not before to %s", ErrInvalidWindow,
			w.From.Format(time.RFC3339), w.To.Format(time.RFC3339))
	}
	return nil
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// ParseWindow builds a window from query or flag values. Dates may be
// RFC 3339 timestamps or plain 2006-01-02 dates interpreted in loc; a plain
// "to" date includes that whole day. An empty "to" means now and an empty
// "from" means DefaultWindowLength before "to".
func ParseWindow(from, to string, now time.Time, loc *time.Location) (Window, error) {
	if loc == nil {
		loc = time.UTC
	}
	var w Window
	var err error

	if to == "" {
		w.To = now
	} else if w.To, err = parseBound(to, loc, true); err != nil {
		return Window{}, err
	}
	if from == "" {
		w.From = w.To.Add(-DefaultWindowLength)
	} else if w.From, err = parseBound(from, loc, false); err != nil {
		return Window{}, err
	}
	return w, w.Validate()
}

func parseBound(s string, loc *time.Location, end bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: cannot parse %q", ErrInvalidWindow, s)
	}
	if end {
		d = d.AddDate(0, 0, 1)
	}
	return d, nil
}
