package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// timeStats accumulates min/max/average of measured intervals, reported in
// microseconds over one stats window.
type timeStats struct {
	min   uint64
	max   uint64
	sum   uint64
	count uint64

	mark   time.Time
	marked bool
}

func (s *timeStats) reset() {
	*s = timeStats{min: ^uint64(0)}
}

// start records the beginning of an interval.
func (s *timeStats) start() {
	s.mark = time.Now()
	s.marked = true
}

// update closes the current interval and folds it into the window.
func (s *timeStats) update() {
	if !s.marked {
		s.start()
		return
	}

	us := uint64(time.Since(s.mark) / time.Microsecond)

	if us < s.min {
		s.min = us
	}
	if us > s.max {
		s.max = us
	}
	s.sum += us
	s.count++
}

func (s *timeStats) avg() uint64 {
	if s.count == 0 {
		return 0
	}

	return s.sum / s.count
}

// log reports one window of a named measurement, skipping empty windows.
func (s *timeStats) log(logger *zap.SugaredLogger, name string) {
	if s.count == 0 {
		return
	}

	logger.Infow(name,
		"minUs", s.min,
		"maxUs", s.max,
		"avgUs", s.avg())
}

// newStatsTimer arms a periodic timerfd used as the stats readiness source.
func newStatsTimer(interval time.Duration) (int, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("timerfd_create: %w", err)
	}

	spec := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(interval.Nanoseconds()),
		Interval: unix.NsecToTimespec(interval.Nanoseconds()),
	}

	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("timerfd_settime: %w", err)
	}

	return fd, nil
}

// drainTimer acknowledges an expired timerfd.
func drainTimer(fd int) error {
	var buf [8]byte

	if _, err := unix.Read(fd, buf[:]); err != nil {
		return fmt.Errorf("read timerfd: %w", err)
	}

	return nil
}
