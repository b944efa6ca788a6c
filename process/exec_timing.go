package process

import (
	"context"
	"strings"
	"time"
)

// maxInlineDelay is the longest pause served by an in-process sleep;
// longer delays park the execution and rely on the host's scheduler to
// resume it.
const maxInlineDelay = 300 * time.Second

// delayExecutor pauses the walk for a duration.
//
// Config:
//
//	seconds  delay length (required, positive)
type delayExecutor struct {
	deps *Dependencies
}

func (x *delayExecutor) Validate(node *Node) *ExecutionError {
	if configFloat(node.Config, "seconds", 0) <= 0 {
		return NewValidationError("MISSING_CONFIG", "delay node %s needs a positive seconds value", node.ID)
	}
	return nil
}

func (x *delayExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	seconds := configFloat(node.Config, "seconds", 0)
	d := time.Duration(seconds * float64(time.Second))

	if d > maxInlineDelay {
		resumeAt := ec.now().Add(d)
		return Waiting(WaitDelay, map[string]interface{}{
			"resume_at": resumeAt.Format(time.RFC3339),
			"seconds":   seconds,
		})
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Failure(NewTimeoutError("DELAY_INTERRUPTED", "delay was interrupted: %v", ctx.Err()))
	case <-timer.C:
	}
	return Success(map[string]interface{}{"waited_seconds": seconds})
}

// scheduleExecutor parks the execution until a point in time.
//
// Config:
//
//	datetime        RFC 3339 timestamp template (required unless
//	                business_hours is set)
//	business_hours  when true, a time outside the business window shifts
//	                to the next window opening
//	timezone        IANA zone the business window is defined in
//	                (default: the target time's own zone)
//	weekdays        business days as names ("mon".."sun"), default
//	                Monday through Friday
//	start_time      window opening, "HH:MM", default "09:00"
//	end_time        window closing, "HH:MM", default "17:00"
//	hours_by_day    per-day {start, end} overrides, keyed by day name
//	holidays        non-business dates, "YYYY-MM-DD" in the window zone
type scheduleExecutor struct {
	deps *Dependencies
}

func (x *scheduleExecutor) Validate(node *Node) *ExecutionError {
	if configString(node.Config, "datetime", "") == "" && !configBool(node.Config, "business_hours", false) {
		return NewValidationError("MISSING_CONFIG", "schedule node %s needs a datetime", node.ID)
	}
	return nil
}

func (x *scheduleExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	now := ec.now()
	target := now

	if raw := configString(node.Config, "datetime", ""); raw != "" {
		rendered, err := st.InterpolateString(raw)
		if err != nil {
			return Failure(err)
		}
		parsed, parseErr := time.Parse(time.RFC3339, rendered)
		if parseErr != nil {
			return Failure(NewValidationError("INVALID_DATETIME", "schedule time %q is not RFC 3339: %v", rendered, parseErr))
		}
		target = parsed
	}
	if configBool(node.Config, "business_hours", false) {
		cal, calErr := businessCalendarFromConfig(node.Config)
		if calErr != nil {
			return Failure(calErr)
		}
		target = cal.nextOpen(target)
	}

	if !target.After(now) {
		return Success(map[string]interface{}{"scheduled_for": target.Format(time.RFC3339), "waited": false})
	}
	return Waiting(WaitSchedule, map[string]interface{}{
		"resume_at": target.Format(time.RFC3339),
	})
}

// businessCalendar describes the window business-hours scheduling shifts
// into: per-weekday opening hours, an optional zone, and holidays.
type businessCalendar struct {
	loc      *time.Location
	days     map[time.Weekday]dayHours
	holidays map[string]bool
}

// dayHours is one day's window in minutes from midnight.
type dayHours struct {
	open, close int
}

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
	"sun": time.Sunday, "sunday": time.Sunday,
}

func businessCalendarFromConfig(cfg map[string]interface{}) (*businessCalendar, *ExecutionError) {
	cal := &businessCalendar{
		days:     make(map[time.Weekday]dayHours),
		holidays: make(map[string]bool),
	}

	if zone := configString(cfg, "timezone", ""); zone != "" {
		loc, err := time.LoadLocation(zone)
		if err != nil {
			return nil, NewValidationError("INVALID_TIMEZONE", "unknown timezone %q", zone)
		}
		cal.loc = loc
	}

	open, err := parseClock(configString(cfg, "start_time", "09:00"))
	if err != nil {
		return nil, err
	}
	closeAt, err := parseClock(configString(cfg, "end_time", "17:00"))
	if err != nil {
		return nil, err
	}
	if closeAt <= open {
		return nil, NewValidationError("INVALID_CONFIG", "end_time must be after start_time")
	}

	weekdays := configStringSlice(cfg, "weekdays")
	if len(weekdays) == 0 {
		weekdays = []string{"mon", "tue", "wed", "thu", "fri"}
	}
	for _, name := range weekdays {
		day, ok := weekdayNames[strings.ToLower(name)]
		if !ok {
			return nil, NewValidationError("INVALID_CONFIG", "unknown weekday %q", name)
		}
		cal.days[day] = dayHours{open: open, close: closeAt}
	}

	for name, raw := range configMap(cfg, "hours_by_day") {
		day, ok := weekdayNames[strings.ToLower(name)]
		if !ok {
			return nil, NewValidationError("INVALID_CONFIG", "unknown weekday %q", name)
		}
		hours, ok := raw.(map[string]interface{})
		if !ok {
			return nil, NewValidationError("INVALID_CONFIG", "hours_by_day.%s must be {start, end}", name)
		}
		dayOpen, err := parseClock(configString(hours, "start", "09:00"))
		if err != nil {
			return nil, err
		}
		dayClose, err := parseClock(configString(hours, "end", "17:00"))
		if err != nil {
			return nil, err
		}
		if dayClose <= dayOpen {
			return nil, NewValidationError("INVALID_CONFIG", "hours_by_day.%s end must be after start", name)
		}
		cal.days[day] = dayHours{open: dayOpen, close: dayClose}
	}

	for _, date := range configStringSlice(cfg, "holidays") {
		if _, parseErr := time.Parse("2006-01-02", date); parseErr != nil {
			return nil, NewValidationError("INVALID_CONFIG", "holiday %q is not YYYY-MM-DD", date)
		}
		cal.holidays[date] = true
	}
	return cal, nil
}

// parseClock reads "HH:MM" into minutes from midnight.
func parseClock(s string) (int, *ExecutionError) {
	parsed, err := time.Parse("15:04", s)
	if err != nil {
		return 0, NewValidationError("INVALID_CONFIG", "time %q is not HH:MM", s)
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}

// nextOpen shifts a timestamp falling outside the business window to the
// next window opening, skipping closed days and holidays.
func (c *businessCalendar) nextOpen(t time.Time) time.Time {
	if c.loc != nil {
		t = t.In(c.loc)
	}
	// Two years bounds the scan even for a calendar that is all holidays.
	for i := 0; i < 2*366; i++ {
		hours, openDay := c.days[t.Weekday()]
		if !openDay || c.holidays[t.Format("2006-01-02")] {
			t = startOfNextDay(t)
			continue
		}
		minutes := t.Hour()*60 + t.Minute()
		if minutes < hours.open {
			return dayAtMinutes(t, hours.open)
		}
		if minutes >= hours.close {
			t = startOfNextDay(t)
			continue
		}
		return t
	}
	return t
}

func startOfNextDay(t time.Time) time.Time {
	next := t.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, t.Location())
}

func dayAtMinutes(t time.Time, minutes int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), minutes/60, minutes%60, 0, 0, t.Location())
}

// eventWaitExecutor parks the execution until the host signals an event
// through Resume.
//
// Config:
//
//	event          event name the host correlates on (required)
//	timeout_hours  informational deadline passed to the host
type eventWaitExecutor struct {
	deps *Dependencies
}

func (x *eventWaitExecutor) Validate(node *Node) *ExecutionError {
	if configString(node.Config, "event", "") == "" {
		return NewValidationError("MISSING_CONFIG", "event wait node %s needs an event name", node.ID)
	}
	return nil
}

func (x *eventWaitExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	meta := map[string]interface{}{
		"event": configString(node.Config, "event", ""),
	}
	if hours := configFloat(node.Config, "timeout_hours", 0); hours > 0 {
		meta["deadline"] = ec.now().Add(time.Duration(hours * float64(time.Hour))).Format(time.RFC3339)
	}
	return Waiting(WaitEvent, meta)
}
