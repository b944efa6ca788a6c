package process

import (
	"context"
	"testing"
	"time"
)

// frozen is a Wednesday at 11:00 UTC.
var frozen = time.Date(2026, time.March, 4, 11, 0, 0, 0, time.UTC)

func timingContext() *ExecContext {
	return &ExecContext{Deps: &Dependencies{Clock: func() time.Time { return frozen }}}
}

func TestDelayExecutor(t *testing.T) {
	st := NewState(nil, nil)
	x := &delayExecutor{deps: &Dependencies{}}

	t.Run("short delay sleeps inline", func(t *testing.T) {
		node := &Node{ID: "d", Type: NodeDelay, Config: map[string]interface{}{"seconds": 0.01}}
		res := execNode(t, x, node, st)
		if res.Status != NodeSuccess {
			t.Fatalf("res = %+v", res)
		}
	})

	t.Run("long delay parks the execution", func(t *testing.T) {
		x := &delayExecutor{deps: timingContext().Deps}
		node := &Node{ID: "d", Type: NodeDelay, Config: map[string]interface{}{"seconds": 3600}}
		res := x.Execute(context.Background(), node, st, timingContext())
		if res.Status != NodeWaiting || res.WaitingFor != WaitDelay {
			t.Fatalf("res = %+v", res)
		}
		want := frozen.Add(time.Hour).Format(time.RFC3339)
		if res.WaitingMetadata["resume_at"] != want {
			t.Errorf("resume_at = %v, want %v", res.WaitingMetadata["resume_at"], want)
		}
	})

	t.Run("cancelled context interrupts the sleep", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		node := &Node{ID: "d", Type: NodeDelay, Config: map[string]interface{}{"seconds": 5}}
		res := x.Execute(ctx, node, st, &ExecContext{Deps: &Dependencies{}})
		if res.Status != NodeFailed || res.Err.Code != "DELAY_INTERRUPTED" {
			t.Errorf("res = %+v", res)
		}
	})

	t.Run("missing seconds rejected", func(t *testing.T) {
		node := &Node{ID: "d", Type: NodeDelay, Config: map[string]interface{}{}}
		if err := x.Validate(node); err == nil || err.Code != "MISSING_CONFIG" {
			t.Errorf("err = %v", err)
		}
	})
}

func TestScheduleExecutor(t *testing.T) {
	st := NewState(nil, nil)
	st.SetVariable("followup_at", frozen.Add(48*time.Hour).Format(time.RFC3339), "test")
	x := &scheduleExecutor{deps: timingContext().Deps}
	ec := timingContext()

	t.Run("future time parks", func(t *testing.T) {
		node := &Node{ID: "s", Type: NodeSchedule, Config: map[string]interface{}{
			"datetime": "{{ followup_at }}",
		}}
		res := x.Execute(context.Background(), node, st, ec)
		if res.Status != NodeWaiting || res.WaitingFor != WaitSchedule {
			t.Fatalf("res = %+v", res)
		}
	})

	t.Run("past time falls through", func(t *testing.T) {
		node := &Node{ID: "s", Type: NodeSchedule, Config: map[string]interface{}{
			"datetime": frozen.Add(-time.Hour).Format(time.RFC3339),
		}}
		res := x.Execute(context.Background(), node, st, ec)
		if res.Status != NodeSuccess {
			t.Fatalf("res = %+v", res)
		}
		out := res.Output.(map[string]interface{})
		if out["waited"] != false {
			t.Errorf("out = %v", out)
		}
	})

	t.Run("bad datetime rejected", func(t *testing.T) {
		node := &Node{ID: "s", Type: NodeSchedule, Config: map[string]interface{}{
			"datetime": "tomorrow-ish",
		}}
		res := x.Execute(context.Background(), node, st, ec)
		if res.Status != NodeFailed || res.Err.Code != "INVALID_DATETIME" {
			t.Errorf("res = %+v", res)
		}
	})
}

func TestBusinessCalendar(t *testing.T) {
	loc := time.UTC
	cases := []struct {
		name string
		cfg  map[string]interface{}
		in   time.Time
		want time.Time
	}{
		{
			name: "weekday business hours unchanged",
			in:   time.Date(2026, time.March, 4, 11, 0, 0, 0, loc), // Wed 11:00
			want: time.Date(2026, time.March, 4, 11, 0, 0, 0, loc),
		},
		{
			name: "early morning shifts to opening",
			in:   time.Date(2026, time.March, 4, 6, 30, 0, 0, loc),
			want: time.Date(2026, time.March, 4, 9, 0, 0, 0, loc),
		},
		{
			name: "evening shifts to next morning",
			in:   time.Date(2026, time.March, 4, 18, 0, 0, 0, loc),
			want: time.Date(2026, time.March, 5, 9, 0, 0, 0, loc),
		},
		{
			name: "saturday shifts to monday",
			in:   time.Date(2026, time.March, 7, 12, 0, 0, 0, loc),
			want: time.Date(2026, time.March, 9, 9, 0, 0, 0, loc),
		},
		{
			name: "friday evening shifts past the weekend",
			in:   time.Date(2026, time.March, 6, 20, 0, 0, 0, loc),
			want: time.Date(2026, time.March, 9, 9, 0, 0, 0, loc),
		},
		{
			name: "holiday monday pushes to tuesday",
			cfg:  map[string]interface{}{"holidays": []interface{}{"2026-03-09"}},
			in:   time.Date(2026, time.March, 6, 20, 0, 0, 0, loc), // Fri evening
			want: time.Date(2026, time.March, 10, 9, 0, 0, 0, loc),
		},
		{
			name: "custom weekdays",
			cfg:  map[string]interface{}{"weekdays": []interface{}{"sat", "sun"}},
			in:   time.Date(2026, time.March, 4, 11, 0, 0, 0, loc), // Wed
			want: time.Date(2026, time.March, 7, 9, 0, 0, 0, loc),  // Sat 09:00
		},
		{
			name: "custom window",
			cfg:  map[string]interface{}{"start_time": "08:00", "end_time": "12:00"},
			in:   time.Date(2026, time.March, 4, 13, 0, 0, 0, loc),
			want: time.Date(2026, time.March, 5, 8, 0, 0, 0, loc),
		},
		{
			name: "per-day hours override",
			cfg: map[string]interface{}{"hours_by_day": map[string]interface{}{
				"wed": map[string]interface{}{"start": "13:00", "end": "15:00"},
			}},
			in:   time.Date(2026, time.March, 4, 11, 0, 0, 0, loc),
			want: time.Date(2026, time.March, 4, 13, 0, 0, 0, loc),
		},
		{
			name: "timezone shifts the window",
			cfg:  map[string]interface{}{"timezone": "America/New_York"},
			in:   time.Date(2026, time.March, 4, 11, 0, 0, 0, loc),  // 06:00 in New York
			want: time.Date(2026, time.March, 4, 14, 0, 0, 0, loc), // 09:00 in New York
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			if cfg == nil {
				cfg = map[string]interface{}{}
			}
			cal, err := businessCalendarFromConfig(cfg)
			if err != nil {
				t.Fatalf("calendar: %v", err)
			}
			if got := cal.nextOpen(tc.in); !got.Equal(tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}

	t.Run("unknown timezone rejected", func(t *testing.T) {
		_, err := businessCalendarFromConfig(map[string]interface{}{"timezone": "Mars/Olympus"})
		if err == nil || err.Code != "INVALID_TIMEZONE" {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("bad clock rejected", func(t *testing.T) {
		_, err := businessCalendarFromConfig(map[string]interface{}{"start_time": "9am"})
		if err == nil || err.Code != "INVALID_CONFIG" {
			t.Errorf("err = %v", err)
		}
	})
}

func TestEventWaitExecutor(t *testing.T) {
	st := NewState(nil, nil)
	x := &eventWaitExecutor{deps: timingContext().Deps}

	node := &Node{ID: "e", Type: NodeEventWait, Config: map[string]interface{}{
		"event":         "payment.confirmed",
		"timeout_hours": 24,
	}}
	res := x.Execute(context.Background(), node, st, timingContext())
	if res.Status != NodeWaiting || res.WaitingFor != WaitEvent {
		t.Fatalf("res = %+v", res)
	}
	if res.WaitingMetadata["event"] != "payment.confirmed" {
		t.Errorf("meta = %v", res.WaitingMetadata)
	}
	if res.WaitingMetadata["deadline"] != frozen.Add(24*time.Hour).Format(time.RFC3339) {
		t.Errorf("deadline = %v", res.WaitingMetadata["deadline"])
	}

	if err := x.Validate(&Node{ID: "e", Type: NodeEventWait, Config: map[string]interface{}{}}); err == nil {
		t.Error("missing event name accepted")
	}
}
