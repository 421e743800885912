// Package scheduler arms single-shot delayed actions at future wall-clock
// instants. Jobs are fire-and-forget: each action runs exactly once on its
// own goroutine at or after its instant, and there is no cancellation API.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrInvalidTime is returned when the requested fire instant is not strictly
// in the future. The job is never armed.
var ErrInvalidTime = errors.New("fire instant must be strictly in the future")

// Handle is the bookkeeping record for an armed job. It exposes no control
// over the underlying timer.
type Handle struct {
	FireAt  time.Time
	ArmedAt time.Time
}

// Scheduler arms delayed actions. Any number of jobs may be armed
// concurrently; arming and firing never block each other.
type Scheduler struct {
	logger logrus.FieldLogger
	now    func() time.Time
}

// New creates a Scheduler. A nil logger falls back to the standard logrus logger.
func New(logger logrus.FieldLogger) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{logger: logger, now: time.Now}
}

// ScheduleAt arms action to run once at fireAt. It returns ErrInvalidTime if
// fireAt is not strictly later than now. The action runs on its own
// goroutine; ScheduleAt itself never blocks on it.
func (s *Scheduler) ScheduleAt(fireAt time.Time, action func()) (*Handle, error) {
	now := s.now()
	if !fireAt.After(now) {
		return nil, fmt.Errorf("%w: %s is not after %s",
			ErrInvalidTime, fireAt.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	handle := &Handle{FireAt: fireAt, ArmedAt: now}
	delay := fireAt.Sub(now)
	time.AfterFunc(delay, action)

	s.logger.WithFields(logrus.Fields{
		"fire_at": fireAt.Format(time.RFC3339),
		"delay":   delay.String(),
	}).Debug("job armed")

	return handle, nil
}
