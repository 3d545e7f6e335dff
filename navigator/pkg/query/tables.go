package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// attributeRemap maps attribute names as the catalog lists them to the physical column
// names of the historical tables.
var attributeRemap = map[string]string{
	"a1_flags": "flag",
	"a2_flags": "flagest",
	"estad":    "estado",
	"Isupa":    "Isa",
}

// Remap returns the physical column for a historied attribute name.
func Remap(attr string) string {
	if physical, ok := attributeRemap[attr]; ok {
		return physical
	}
	return attr
}

// severityCodes maps the operator-facing severity labels to eve_h.severidade codes.
var severityCodes = map[string]string{
	"Advertência": "K_SEV_ADVER",
	"Fatal":       "K_SEV_FATAL",
	"Normal":      "K_SEV_NORML",
	"Pânico":      "K_SEV_PANIC",
	"Nula":        "K_SEV_SNULA",
	"Urgência":    "K_SEV_URGEN",
}

// SeverityLabels returns the known labels in display order.
func SeverityLabels() []string {
	return []string{"Advertência", "Fatal", "Normal", "Pânico", "Nula", "Urgência"}
}

// SeverityCode maps a label (or an already-mapped code) to its code.
func SeverityCode(label string) (string, bool) {
	label = strings.TrimSpace(label)
	if code, ok := severityCodes[label]; ok {
		return code, true
	}
	for _, code := range severityCodes {
		if code == label {
			return code, true
		}
	}
	return "", false
}

// Unit is a bucket width unit.
type Unit string

const (
	Seconds Unit = "seconds"
	Minutes Unit = "minutes"
	Hours   Unit = "hours"
	Days    Unit = "days"
)

var unitLabels = map[string]Unit{
	"segundo(s)": Seconds,
	"minuto(s)":  Minutes,
	"hora(s)":    Hours,
	"dia(s)":     Days,
}

// UnitLabels returns the display labels in increasing width.
func UnitLabels() []string {
	return []string{"segundo(s)", "minuto(s)", "hora(s)", "dia(s)"}
}

// ParseUnit accepts a display label or a unit keyword.
func ParseUnit(s string) (Unit, error) {
	s = strings.TrimSpace(s)
	if u, ok := unitLabels[s]; ok {
		return u, nil
	}
	switch u := Unit(strings.ToLower(s)); u {
	case Seconds, Minutes, Hours, Days:
		return u, nil
	}
	return "", fmt.Errorf("%w: unknown bucket unit %q", ErrInvalidSpec, s)
}

func (u Unit) duration() time.Duration {
	switch u {
	case Seconds:
		return time.Second
	case Minutes:
		return time.Minute
	case Hours:
		return time.Hour
	}
	return 0
}

// Interval returns size*unit as a Postgres interval. Days are carried in the day field so
// the server applies calendar arithmetic, exactly as the unit was requested.
func Interval(size int, unit Unit) (pgtype.Interval, error) {
	if size <= 0 {
		return pgtype.Interval{}, fmt.Errorf("%w: bucket size must be positive, got %d", ErrInvalidSpec, size)
	}
	if unit == Days {
		return pgtype.Interval{Days: int32(size), Valid: true}, nil
	}
	d := unit.duration()
	if d == 0 {
		return pgtype.Interval{}, fmt.Errorf("%w: unknown bucket unit %q", ErrInvalidSpec, unit)
	}
	return pgtype.Interval{Microseconds: int64(size) * d.Microseconds(), Valid: true}, nil
}

// advance moves t forward by size*unit.
func advance(t time.Time, size int, unit Unit) time.Time {
	if unit == Days {
		return t.AddDate(0, 0, size)
	}
	return t.Add(time.Duration(size) * unit.duration())
}

// ExpectedBuckets returns how many buckets an Aggregation over [start, end) produces.
// Reversed and zero-width ranges produce none.
func ExpectedBuckets(start, end time.Time, size int, unit Unit) int {
	if size <= 0 || !end.After(start) {
		return 0
	}
	if unit != Days && unit.duration() == 0 {
		return 0
	}
	n := 0
	for t := start; t.Before(end); t = advance(t, size, unit) {
		n++
	}
	return n
}
