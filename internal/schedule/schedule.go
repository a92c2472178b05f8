// Package schedule converts wall-clock posting slots in an IANA timezone to
// UTC instants. All persisted timestamps are UTC; local time only exists at
// this boundary.
package schedule

import (
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"social-autopilot/internal/errors"
)

const minutesPerDay = 24 * 60

var clockPattern = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// MinuteOfDay returns minutes since local midnight, 0-1439.
func (c Clock) MinuteOfDay() int {
	return c.Hour*60 + c.Minute
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// ParseClock parses "HH:MM" (leading zero on the hour optional).
func ParseClock(s string) (Clock, error) {
	m := clockPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Clock{}, errors.NewInvalidRequestError("invalid time %q, expected HH:MM", s)
	}
	h, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	return Clock{Hour: h, Minute: min}, nil
}

// LoadLocation resolves an IANA zone name. Empty means UTC.
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errors.NewInvalidRequestError("unknown timezone %q", tz)
	}
	return loc, nil
}

// CreateScheduledTimeUTC returns the instant at which the wall clock in tz
// reads timeString, dayOffset days after the local date of now.
func CreateScheduledTimeUTC(now time.Time, timeString, tz string, dayOffset int) (time.Time, error) {
	c, err := ParseClock(timeString)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	return at(now, c, loc, dayOffset), nil
}

// time.Date resolves wall clocks against the zone rules of that exact date,
// so DST offsets are applied per day rather than assumed constant.
func at(now time.Time, c Clock, loc *time.Location, dayOffset int) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+dayOffset, c.Hour, c.Minute, 0, 0, loc).UTC()
}

// IsTimeToPost reports whether the local time in tz is within windowMinutes
// of any slot. Distances wrap around midnight: 23:50 and 00:05 are 15
// minutes apart.
func IsTimeToPost(now time.Time, postingTimes []string, tz string, windowMinutes int) (bool, error) {
	_, ok, err := CurrentSlot(now, postingTimes, tz, windowMinutes)
	return ok, err
}

// CurrentSlot is IsTimeToPost that also returns the matched slot, so callers
// can remember which slot already fired. When several slots are in range the
// closest wins, and on a tie the one still ahead of now.
func CurrentSlot(now time.Time, postingTimes []string, tz string, windowMinutes int) (string, bool, error) {
	loc, err := LoadLocation(tz)
	if err != nil {
		return "", false, err
	}
	clocks, err := parseClocks(postingTimes)
	if err != nil {
		return "", false, err
	}
	local := now.In(loc)
	current := local.Hour()*60 + local.Minute()
	best, bestDist, bestAhead := "", 0, false
	for _, c := range clocks {
		d := minuteDistance(current, c.MinuteOfDay())
		if d > windowMinutes {
			continue
		}
		ahead := minuteOffset(current, c.MinuteOfDay()) > 0
		if best == "" || d < bestDist || (d == bestDist && ahead && !bestAhead) {
			best, bestDist, bestAhead = c.String(), d, ahead
		}
	}
	return best, best != "", nil
}

// minuteOffset is b-a wrapped into (-720, 720].
func minuteOffset(a, b int) int {
	d := ((b-a)%minutesPerDay + minutesPerDay) % minutesPerDay
	if d > minutesPerDay/2 {
		d -= minutesPerDay
	}
	return d
}

func minuteDistance(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	if wrapped := minutesPerDay - d; wrapped < d {
		return wrapped
	}
	return d
}

// HoursUntilNextPostTime returns fractional hours until the next slot,
// rolling over to tomorrow's first slot once today's have passed.
func HoursUntilNextPostTime(now time.Time, postingTimes []string, tz string) (float64, error) {
	next, err := NextPostTime(now, postingTimes, tz)
	if err != nil {
		return 0, err
	}
	return next.Sub(now).Hours(), nil
}

// NextPostTime returns the next slot instant strictly after now.
func NextPostTime(now time.Time, postingTimes []string, tz string) (time.Time, error) {
	slots, err := NextSlots(now, postingTimes, tz, 1, 0, nil)
	if err != nil {
		return time.Time{}, err
	}
	return slots[0], nil
}

// NextFetchTime returns the next UTC hour boundary that is a multiple of
// intervalHours.
func NextFetchTime(now time.Time, intervalHours int) time.Time {
	if intervalHours <= 0 {
		intervalHours = 1
	}
	base := now.UTC().Truncate(time.Hour)
	next := (base.Hour()/intervalHours + 1) * intervalHours
	day := time.Date(base.Year(), base.Month(), base.Day(), 0, 0, 0, 0, time.UTC)
	return day.Add(time.Duration(next) * time.Hour)
}

// DueWindow is how long after an allowed hour begins a periodic job still
// counts as due.
const DueWindow = 10 * time.Minute

// ShouldRunAtUTCHour reports whether now falls in the first ten minutes of
// one of the allowed UTC hours.
func ShouldRunAtUTCHour(now time.Time, allowedHours []int) bool {
	u := now.UTC()
	if time.Duration(u.Minute())*time.Minute >= DueWindow {
		return false
	}
	for _, h := range allowedHours {
		if u.Hour() == h {
			return true
		}
	}
	return false
}

// StartOfLocalDay returns local midnight in tz for the date of now, in UTC.
func StartOfLocalDay(now time.Time, tz string) (time.Time, error) {
	loc, err := LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).UTC(), nil
}

// NextSlots spreads count instants across the configured slots, using
// today's remaining slots first and then following days. Each instant is
// shifted by a random offset in [-jitterMinutes, +jitterMinutes] but never
// moved to or before now. A nil rng uses the package source.
func NextSlots(now time.Time, postingTimes []string, tz string, count, jitterMinutes int, rng *rand.Rand) ([]time.Time, error) {
	if count <= 0 {
		return nil, nil
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	clocks, err := parseClocks(postingTimes)
	if err != nil {
		return nil, err
	}
	if len(clocks) == 0 {
		return nil, errors.NewInvalidRequestError("no posting times configured")
	}
	sort.Slice(clocks, func(i, j int) bool { return clocks[i].MinuteOfDay() < clocks[j].MinuteOfDay() })

	intn := rand.Intn
	if rng != nil {
		intn = rng.Intn
	}

	out := make([]time.Time, 0, count)
	maxDays := int(math.Ceil(float64(count)/float64(len(clocks)))) + 2
	for day := 0; day < maxDays && len(out) < count; day++ {
		for _, c := range clocks {
			slot := at(now, c, loc, day)
			if !slot.After(now) {
				continue
			}
			if jitterMinutes > 0 {
				shifted := slot.Add(time.Duration(intn(2*jitterMinutes+1)-jitterMinutes) * time.Minute)
				if shifted.After(now) {
					slot = shifted
				}
			}
			out = append(out, slot)
			if len(out) == count {
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func parseClocks(times []string) ([]Clock, error) {
	out := make([]Clock, 0, len(times))
	for _, t := range times {
		c, err := ParseClock(t)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
