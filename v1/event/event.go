package event

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("turnstile: invalid event")

var slugPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Event is a single sellable happening under an organizer. Zero time
// values mean "not set".
type Event struct {
	Organizer string
	Slug      string
	Name      string
	Live      bool
	TestMode  bool
	Currency  string

	DateFrom     time.Time
	DateTo       time.Time
	PresaleStart time.Time
	PresaleEnd   time.Time

	// Plugins holds the enabled plugin identifiers, order preserved.
	Plugins []string
}

// Kind implements scope.Entity.
func (e *Event) Kind() string { return "event" }

// Ident implements scope.Entity. Organizer and slug together are the
// event's identity everywhere: cache namespaces, lock IDs, store keys.
func (e *Event) Ident() string { return e.Organizer + "/" + e.Slug }

// LockID is the booking-lock entity ID for this event.
func (e *Event) LockID() string { return "event:" + e.Ident() }

// Validate checks the fields that must hold before a save.
func (e *Event) Validate() error {
	if e.Organizer == "" {
		return fmt.Errorf("%w: organizer is required", ErrInvalid)
	}
	if e.Slug == "" {
		return fmt.Errorf("%w: slug is required", ErrInvalid)
	}
	if !slugPattern.MatchString(e.Slug) {
		return fmt.Errorf("%w: slug %q is malformed", ErrInvalid, e.Slug)
	}
	if !e.PresaleStart.IsZero() && !e.PresaleEnd.IsZero() && e.PresaleEnd.Before(e.PresaleStart) {
		return fmt.Errorf("%w: presale cannot end before it starts", ErrInvalid)
	}
	if !e.DateFrom.IsZero() && !e.DateTo.IsZero() && e.DateTo.Before(e.DateFrom) {
		return fmt.Errorf("%w: event cannot end before it starts", ErrInvalid)
	}
	return nil
}

// PresaleHasEnded reports whether the presale window is over at now.
// Without an explicit presale end the event end bounds it, and without
// that the presale runs through the day the event starts.
func (e *Event) PresaleHasEnded(now time.Time) bool {
	switch {
	case !e.PresaleEnd.IsZero():
		return now.After(e.PresaleEnd)
	case !e.DateTo.IsZero():
		return now.After(e.DateTo)
	case !e.DateFrom.IsZero():
		y1, m1, d1 := now.Date()
		y2, m2, d2 := e.DateFrom.Date()
		return y1 > y2 || (y1 == y2 && (m1 > m2 || (m1 == m2 && d1 > d2)))
	default:
		return false
	}
}

// PresaleIsRunning reports whether tickets can be bought at now.
func (e *Event) PresaleIsRunning(now time.Time) bool {
	if !e.PresaleStart.IsZero() && now.Before(e.PresaleStart) {
		return false
	}
	return !e.PresaleHasEnded(now)
}

// HasPlugin reports whether the plugin identifier is enabled.
func (e *Event) HasPlugin(name string) bool {
	return slices.Contains(e.Plugins, name)
}

// EnablePlugin adds a plugin identifier, once.
func (e *Event) EnablePlugin(name string) {
	if !e.HasPlugin(name) {
		e.Plugins = append(e.Plugins, name)
	}
}

// DisablePlugin removes a plugin identifier if present.
func (e *Event) DisablePlugin(name string) {
	e.Plugins = slices.DeleteFunc(e.Plugins, func(p string) bool { return p == name })
}

// clone returns a deep copy so stored state never aliases caller
// state.
func (e *Event) clone() *Event {
	cp := *e
	cp.Plugins = append([]string(nil), e.Plugins...)
	return &cp
}

func joinPlugins(plugins []string) string {
	return strings.Join(plugins, ",")
}

func splitPlugins(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
