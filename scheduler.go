package oxidb

import (
	"strconv"
	"strings"
	"time"
)

// The scheduler runs named procedures on cron or interval schedules stored
// as documents in the _schedules collection:
//
//	{name: "nightly-compact", procedure: "compact", params: {...},
//	 enabled: true, cron: "0 3 * * *"}  // or: every: "30s" | "5m" | "2h"
//
// Only documents with enabled: true are loaded by the loop.
//
// A background loop ticks every second, runs due schedules, and writes back
// last_run/last_status/run_count.

// SchedulesCollection is where schedule documents live.
const SchedulesCollection = "_schedules"

// cronExpr is a parsed five-field cron expression. A nil field set means
// "every value".
type cronExpr struct {
	minute []uint8
	hour   []uint8
	dom    []uint8
	month  []uint8
	dow    []uint8
}

// parseCron parses "minute hour day-of-month month day-of-week", supporting
// "*", exact values, comma lists, ranges ("1-5"), and steps ("*/15",
// "10-40/5").
func parseCron(expr string) (*cronExpr, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, &ScheduleError{Msg: "cron expression must have 5 fields"}
	}
	minute, err := parseCronField(fields[0], 0, 59)
	if err != nil {
		return nil, err
	}
	hour, err := parseCronField(fields[1], 0, 23)
	if err != nil {
		return nil, err
	}
	dom, err := parseCronField(fields[2], 1, 31)
	if err != nil {
		return nil, err
	}
	month, err := parseCronField(fields[3], 1, 12)
	if err != nil {
		return nil, err
	}
	dow, err := parseCronField(fields[4], 0, 6)
	if err != nil {
		return nil, err
	}
	return &cronExpr{minute: minute, hour: hour, dom: dom, month: month, dow: dow}, nil
}

func parseCronField(field string, min, max uint8) ([]uint8, error) {
	if field == "*" {
		return nil, nil
	}

	var values []uint8
	for _, part := range strings.Split(field, ",") {
		step := uint8(1)
		if base, stepStr, hasStep := strings.Cut(part, "/"); hasStep {
			n, err := strconv.ParseUint(stepStr, 10, 8)
			if err != nil || n == 0 {
				return nil, &ScheduleError{Msg: "invalid cron step: " + part}
			}
			step = uint8(n)
			part = base
		}

		lo, hi := min, max
		if part != "*" {
			if loStr, hiStr, isRange := strings.Cut(part, "-"); isRange {
				l, err1 := strconv.ParseUint(loStr, 10, 8)
				h, err2 := strconv.ParseUint(hiStr, 10, 8)
				if err1 != nil || err2 != nil {
					return nil, &ScheduleError{Msg: "invalid cron range: " + part}
				}
				lo, hi = uint8(l), uint8(h)
			} else {
				n, err := strconv.ParseUint(part, 10, 8)
				if err != nil {
					return nil, &ScheduleError{Msg: "invalid cron value: " + part}
				}
				lo, hi = uint8(n), uint8(n)
			}
		}
		if lo < min || hi > max || lo > hi {
			return nil, &ScheduleError{Msg: "cron value out of range: " + part}
		}
		for v := lo; v <= hi; v += step {
			values = append(values, v)
			if v+step < v {
				break // uint8 wrap
			}
		}
	}
	return values, nil
}

func fieldMatches(allowed []uint8, v uint8) bool {
	if allowed == nil {
		return true
	}
	for _, a := range allowed {
		if a == v {
			return true
		}
	}
	return false
}

func (c *cronExpr) matches(minute, hour, dom, month, dow uint8) bool {
	return fieldMatches(c.minute, minute) &&
		fieldMatches(c.hour, hour) &&
		fieldMatches(c.dom, dom) &&
		fieldMatches(c.month, month) &&
		fieldMatches(c.dow, dow)
}

// parseInterval parses "30s", "5m" or "2h".
func parseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, &ScheduleError{Msg: "empty interval string"}
	}
	unit := s[len(s)-1]
	n, err := strconv.ParseUint(s[:len(s)-1], 10, 32)
	if err != nil || n == 0 {
		return 0, &ScheduleError{Msg: "invalid interval: " + s}
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	default:
		return 0, &ScheduleError{Msg: "interval must end with 's', 'm', or 'h': " + s}
	}
}

// isScheduleDue decides whether a schedule document should fire at the given
// instant. Cron schedules never re-fire within the same minute.
func isScheduleDue(sched Document, now time.Time) bool {
	if enabled, ok := sched["enabled"].(bool); ok && !enabled {
		return false
	}

	var lastRunEpoch int64
	if v, ok := toFloat(sched["last_run_epoch"]); ok {
		lastRunEpoch = int64(v)
	}
	nowEpoch := now.Unix()

	if cronStr, ok := sched["cron"].(string); ok {
		expr, err := parseCron(cronStr)
		if err != nil {
			return false
		}
		utc := now.UTC()
		if !expr.matches(
			uint8(utc.Minute()), uint8(utc.Hour()),
			uint8(utc.Day()), uint8(utc.Month()), uint8(utc.Weekday()),
		) {
			return false
		}
		return absInt64(nowEpoch-lastRunEpoch) >= 60
	}

	if everyStr, ok := sched["every"].(string); ok {
		interval, err := parseInterval(everyStr)
		if err != nil {
			return false
		}
		return absInt64(nowEpoch-lastRunEpoch) >= int64(interval.Seconds())
	}

	return false
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// RegisterProcedure registers a named callable for schedules and hosts.
func (e *Engine) RegisterProcedure(name string, fn Procedure) {
	e.procMu.Lock()
	e.procedures[name] = fn
	e.procMu.Unlock()
}

// CallProcedure invokes a registered procedure.
func (e *Engine) CallProcedure(name string, params Document) error {
	e.procMu.RLock()
	fn, ok := e.procedures[name]
	e.procMu.RUnlock()
	if !ok {
		return &ScheduleError{Msg: "unknown procedure: " + name}
	}
	return fn(e, params)
}

// StartScheduler launches the background schedule loop. It is a no-op when
// already running.
func (e *Engine) StartScheduler() {
	e.procMu.Lock()
	if e.schedStop != nil {
		e.procMu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	e.schedStop = stop
	e.schedDone = done
	e.procMu.Unlock()

	go e.schedulerLoop(stop, done)
}

// StopScheduler stops the loop and waits for it to exit.
func (e *Engine) StopScheduler() {
	e.procMu.Lock()
	stop, done := e.schedStop, e.schedDone
	e.schedStop, e.schedDone = nil, nil
	e.procMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (e *Engine) schedulerLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	logger := e.logger.With().Str("component", "scheduler").Logger()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		now := time.Now()
		schedules, err := e.Find(SchedulesCollection, Document{"enabled": true})
		if err != nil {
			continue
		}

		for _, sched := range schedules {
			if !isScheduleDue(sched, now) {
				continue
			}
			name, ok := sched["name"].(string)
			if !ok {
				continue
			}
			procedure, ok := sched["procedure"].(string)
			if !ok {
				continue
			}
			params, _ := sched["params"].(map[string]any)

			status := "ok"
			var lastErr any
			if err := e.CallProcedure(procedure, params); err != nil {
				status = "error"
				lastErr = err.Error()
				logger.Error().Err(err).Str("schedule", name).Msg("scheduled procedure failed")
			}

			var runCount int64
			if v, ok := toFloat(sched["run_count"]); ok {
				runCount = int64(v)
			}

			_, err := e.Update(SchedulesCollection,
				Document{"name": name},
				Document{"$set": Document{
					"last_run":       now.UTC().Format(time.RFC3339),
					"last_run_epoch": now.Unix(),
					"last_status":    status,
					"last_error":     lastErr,
					"run_count":      runCount + 1,
				}},
				0,
			)
			if err != nil {
				logger.Error().Err(err).Str("schedule", name).Msg("failed to record schedule run")
			}
		}
	}
}
