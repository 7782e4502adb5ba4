package availability

import "time"

// Scheduling policy constants. Duration and stride are deliberately not
// per-expert settings.
const (
	BusinessStartHour = 9
	BusinessEndHour   = 17
	SlotDuration      = time.Hour
	Stride            = 30 * time.Minute

	DefaultDaysAhead = 14
	MaxDaysAhead     = 30
	DefaultMinSlots  = 5
)

// Interval is a half-open busy window [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Slot is a candidate appointment window. Start/End are UTC instants; the
// display fields are rendered in the requested display zone.
type Slot struct {
	Start       time.Time
	End         time.Time
	Timezone    string
	DisplayDate string
	DisplayTime string
}

// Params drive one slot computation. Zero values fall back to policy
// defaults; nil zones fall back to UTC.
type Params struct {
	Now         time.Time
	ExpertZone  *time.Location // calendar zone the business-hours window lives in
	DisplayZone *time.Location // zone the caller wants slots rendered in
	DaysAhead   int
	MinSlots    int
	Buffer      time.Duration
}

// ComputeSlots walks forward from Now in stride-sized steps through weekday
// business hours in the expert's zone and keeps the first MinSlots starts
// whose one-hour slot clears every busy window under the buffered overlap
// test. Deterministic: identical inputs yield identical output. Fewer than
// MinSlots slots is a valid result when the horizon runs out.
func ComputeSlots(busy []Interval, p Params) []Slot {
	expertZone := p.ExpertZone
	if expertZone == nil {
		expertZone = time.UTC
	}
	displayZone := p.DisplayZone
	if displayZone == nil {
		displayZone = time.UTC
	}

	days := p.DaysAhead
	if days <= 0 {
		days = DefaultDaysAhead
	}
	if days > MaxDaysAhead {
		days = MaxDaysAhead
	}
	minSlots := p.MinSlots
	if minSlots <= 0 {
		minSlots = DefaultMinSlots
	}

	now := p.Now.In(expertZone)
	horizon := now.AddDate(0, 0, days)

	slots := make([]Slot, 0, minSlots)
	for t := nextSlotStart(now); len(slots) < minSlots && t.Before(horizon); t = nextSlotStart(t.Add(Stride)) {
		end := t.Add(SlotDuration)
		if Conflicts(t, end, busy, p.Buffer) {
			continue
		}
		slots = append(slots, newSlot(t, end, displayZone))
	}
	return slots
}

// Conflicts reports whether [start, end) overlaps any busy window once the
// symmetric buffer is applied: start-buffer < busy.end && end+buffer > busy.start.
func Conflicts(start, end time.Time, busy []Interval, buffer time.Duration) bool {
	for _, b := range busy {
		if start.Add(-buffer).Before(b.End) && end.Add(buffer).After(b.Start) {
			return true
		}
	}
	return false
}

// nextSlotStart returns the earliest candidate start at or after t: rounded
// up to the stride, on a weekday, and early enough that the slot still ends
// by close of business.
func nextSlotStart(t time.Time) time.Time {
	t = ceilToStride(t)
	for {
		switch t.Weekday() {
		case time.Saturday, time.Sunday:
			t = morningOf(t.AddDate(0, 0, 1))
			continue
		}
		if t.Hour() < BusinessStartHour {
			t = morningOf(t)
			continue
		}
		if t.Add(SlotDuration).After(closeOf(t)) {
			t = morningOf(t.AddDate(0, 0, 1))
			continue
		}
		return t
	}
}

// ceilToStride rounds t up to the next wall-clock stride boundary, using the
// local wall clock so zones with non-whole-hour offsets stay aligned to
// :00/:30.
func ceilToStride(t time.Time) time.Time {
	y, m, d := t.Date()
	base := time.Date(y, m, d, t.Hour(), 0, 0, 0, t.Location())
	switch over := t.Sub(base); {
	case over == 0:
		return t
	case over <= Stride:
		return base.Add(Stride)
	default:
		return base.Add(time.Hour)
	}
}

func morningOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, BusinessStartHour, 0, 0, 0, t.Location())
}

func closeOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, BusinessEndHour, 0, 0, 0, t.Location())
}

func newSlot(start, end time.Time, display *time.Location) Slot {
	local := start.In(display)
	return Slot{
		Start:       start.UTC(),
		End:         end.UTC(),
		Timezone:    display.String(),
		DisplayDate: local.Format("Monday, January 2, 2006"),
		DisplayTime: local.Format("3:04 PM"),
	}
}
