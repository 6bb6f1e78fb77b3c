package engine

import (
	"runtime"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// SpawnConfig is the QoS policy applied to an engine's OS thread: no
// asynchronous signal delivery (signals stay with the control thread),
// SCHED_FIFO priority and a pinned CPU to bound jitter. None of it is a
// correctness requirement; failures are logged and streaming continues.
type SpawnConfig struct {
	// Name is the thread name as shown by the kernel (15 char limit).
	Name string

	// RealtimePriority is the SCHED_FIFO priority; zero leaves the default
	// scheduler in place.
	RealtimePriority int

	// CPU pins the thread to one core; negative disables pinning.
	CPU int
}

// apply locks the goroutine to its OS thread and applies the policy. The
// goroutine stays locked for its lifetime so the modified thread is retired
// with the engine rather than returned to the scheduler pool.
func (c SpawnConfig) apply(logger *zap.SugaredLogger) {
	runtime.LockOSThread()

	if c.Name != "" {
		var name [16]byte
		copy(name[:15], c.Name)

		if err := unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&name[0])), 0, 0, 0); err != nil {
			logger.Warnw("Failed to set thread name", "name", c.Name, "error", err)
		}
	}

	var all unix.Sigset_t
	for i := range all.Val {
		all.Val[i] = ^uint64(0)
	}

	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &all, nil); err != nil {
		logger.Warnw("Failed to mask signals on engine thread", "error", err)
	}

	if c.RealtimePriority > 0 {
		attr := unix.SchedAttr{
			Size:     unix.SizeofSchedAttr,
			Policy:   unix.SCHED_FIFO,
			Priority: uint32(c.RealtimePriority),
		}

		if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
			logger.Warnw("Failed to set realtime priority",
				"priority", c.RealtimePriority,
				"error", err)
		}
	}

	if c.CPU >= 0 {
		var set unix.CPUSet
		set.Zero()
		set.Set(c.CPU)

		if err := unix.SchedSetaffinity(0, &set); err != nil {
			logger.Warnw("Failed to pin engine thread", "cpu", c.CPU, "error", err)
		}
	}
}
