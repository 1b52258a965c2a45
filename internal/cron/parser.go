// Package cron parses the schedules of periodic maintenance tasks and adapts
// the cron runner's logging to logrus.
package cron

import (
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Parser accepts five-field expressions and descriptors such as
// "@every 5m" or "@hourly".
type Parser struct {
	parser cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Parse parses expression and evaluates it in timezone.
func (p *Parser) Parse(expression string, timezone string) (Schedule, error) {
	sched, err := p.parser.Parse(expression)
	if err != nil {
		return nil, errors.Wrap(err, "parse cron")
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, errors.Wrap(err, "load timezone")
	}

	return &schedule{sched: sched, loc: loc}, nil
}

// Schedule yields the activation following a given instant.
// It satisfies cron.Schedule.
type Schedule interface {
	Next(after time.Time) time.Time
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc))
}

// Logger adapts a logrus logger to cron.Logger. Info messages are logged at
// debug level.
func Logger(logger logrus.FieldLogger) cron.Logger {
	return cronLogger{logger: logger}
}

type cronLogger struct {
	logger logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			f[k] = kv[i+1]
		}
	}
	return f
}
