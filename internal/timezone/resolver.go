package timezone

import "time"

// Normalize returns the canonical IANA name for raw. Unresolvable input never
// errors; it degrades to "UTC" with ok=false so callers only lose display
// fidelity, not the whole operation.
func Normalize(raw string) (string, bool) {
	loc, ok := Location(raw)
	return loc.String(), ok
}

// Location resolves raw to a *time.Location. Empty strings, "Local", and
// unknown zones all resolve to UTC with ok=false.
func Location(raw string) (*time.Location, bool) {
	if raw == "" || raw == "Local" {
		return time.UTC, false
	}
	loc, err := time.LoadLocation(raw)
	if err != nil {
		return time.UTC, false
	}
	return loc, true
}

// Convert re-expresses t in loc. The instant is unchanged; only the wall
// clock representation moves.
func Convert(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		return t.In(time.UTC)
	}
	return t.In(loc)
}
