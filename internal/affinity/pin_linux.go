package affinity

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// PinThread locks the calling goroutine to its OS thread and restricts that
// thread to cpu. The goroutine stays locked for the rest of its life.
func PinThread(cpu int) error {
	if cpu < 0 {
		return fmt.Errorf("invalid cpu %d", cpu)
	}
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched_setaffinity(cpu %d): %w", cpu, err)
	}
	return nil
}
