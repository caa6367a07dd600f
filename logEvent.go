package taskgate

import (
	"github.com/rs/zerolog"

	"github.com/sky93/taskgate/internal/logger"
)

func defaultInfoLog(ev LogEvent) {
	withFields(logger.Log.Info(), ev).Msg(ev.Message)
}

func defaultErrorLog(ev LogEvent) {
	withFields(logger.Log.Error(), ev).Msg(ev.Message)
}

func withFields(e *zerolog.Event, ev LogEvent) *zerolog.Event {
	if ev.RunID != "" {
		e = e.Str("run_id", ev.RunID)
	}
	if ev.JobID != nil {
		e = e.Int64("job_id", *ev.JobID)
	}
	if ev.JobName != nil {
		e = e.Str("job_name", *ev.JobName)
	}
	if ev.Duration != nil {
		e = e.Dur("duration", *ev.Duration)
	}
	if ev.Err != nil {
		e = e.Err(ev.Err)
	}
	return e
}

func (c *Config) logInfo(ev LogEvent) { c.InfoLog(ev) }

func (c *Config) logError(ev LogEvent) { c.ErrorLog(ev) }

func recordEvent(msg string, rec *JobRecord) LogEvent {
	ev := LogEvent{Message: msg}
	if rec != nil {
		id, name := rec.ID, rec.JobName
		ev.JobID = &id
		ev.JobName = &name
	}
	return ev
}
