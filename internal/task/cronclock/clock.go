// Package cronclock computes cron fire instants.
//
// The clock wraps robfig/cron's parser. The accepted field count is fixed per
// deployment: 5 fields (minute granularity) or 6 fields with a leading
// seconds field. robfig/cron only iterates forward, so Prev searches a
// growing look-back window and walks it with Schedule.Next.
package cronclock

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrNoFire is returned when an expression has no fire instant within the
// look-back (or look-ahead) horizon, e.g. "0 0 30 2 *".
var ErrNoFire = errors.New("cron expression never fires within horizon")

// maxLookback bounds Prev. Leap-day schedules need a little over 4 years.
const maxLookback = 5 * 366 * 24 * time.Hour

// InvalidScheduleError reports an expression that does not parse.
type InvalidScheduleError struct {
	Expr string
	Err  error
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid cron expression %q: %v", e.Expr, e.Err)
}

func (e *InvalidScheduleError) Unwrap() error { return e.Err }

// Options configures a Clock.
type Options struct {
	// Seconds switches to 6-field expressions (leading seconds field).
	Seconds bool
	// Location is the timezone expressions are evaluated in. nil means time.Local.
	Location *time.Location
}

// Clock is safe for concurrent use.
type Clock struct {
	parser      cron.Parser
	loc         *time.Location
	granularity time.Duration
	fields      int
}

func New(opt Options) *Clock {
	c := &Clock{loc: opt.Location, granularity: time.Minute, fields: 5}
	if opt.Seconds {
		c.parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		c.granularity = time.Second
		c.fields = 6
	} else {
		c.parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	}
	return c
}

// Fields returns the number of fields expressions must have (5 or 6).
func (c *Clock) Fields() int { return c.fields }

// Parse parses expr into a schedule evaluated in the clock's location.
func (c *Clock) Parse(expr string) (cron.Schedule, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, &InvalidScheduleError{Expr: expr, Err: errors.New("empty expression")}
	}
	if strings.HasPrefix(strings.ToLower(s), "@every") {
		return nil, &InvalidScheduleError{Expr: expr, Err: errors.New("@every intervals are not supported; use a cron expression")}
	}
	sched, err := c.parser.Parse(s)
	if err != nil {
		return nil, &InvalidScheduleError{Expr: expr, Err: err}
	}
	// The location is set on the parsed schedule rather than as a CRON_TZ
	// prefix, which only resolves IANA names.
	if spec, ok := sched.(*cron.SpecSchedule); ok && c.loc != nil && !hasTZPrefix(s) {
		spec.Location = c.loc
	}
	return sched, nil
}

// Validate reports whether expr parses.
func (c *Clock) Validate(expr string) error {
	_, err := c.Parse(expr)
	return err
}

// Next returns the earliest fire instant strictly after t.
func (c *Clock) Next(expr string, t time.Time) (time.Time, error) {
	sched, err := c.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	n := sched.Next(t)
	if n.IsZero() {
		return time.Time{}, ErrNoFire
	}
	return n, nil
}

// NextN returns up to n consecutive fire instants after t.
func (c *Clock) NextN(expr string, t time.Time, n int) ([]time.Time, error) {
	sched, err := c.Parse(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	cur := t
	for i := 0; i < n; i++ {
		cur = sched.Next(cur)
		if cur.IsZero() {
			break
		}
		out = append(out, cur)
	}
	if len(out) == 0 && n > 0 {
		return nil, ErrNoFire
	}
	return out, nil
}

// Prev returns the latest fire instant at or before t.
func (c *Clock) Prev(expr string, t time.Time) (time.Time, error) {
	sched, err := c.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	p := prev(sched, t, c.granularity)
	if p.IsZero() {
		return time.Time{}, ErrNoFire
	}
	return p, nil
}

func prev(sched cron.Schedule, t time.Time, granularity time.Duration) time.Time {
	// Windows grow 4x; each pass only has to cover fires the previous pass
	// could not see, so dense schedules resolve in the first pass.
	for window := granularity; window <= 4*maxLookback; window *= 4 {
		var last time.Time
		for f := sched.Next(t.Add(-window)); !f.IsZero() && !f.After(t); f = sched.Next(f) {
			last = f
		}
		if !last.IsZero() {
			return last
		}
		if window >= maxLookback {
			break
		}
	}
	return time.Time{}
}

func hasTZPrefix(s string) bool {
	return strings.HasPrefix(s, "TZ=") || strings.HasPrefix(s, "CRON_TZ=")
}
