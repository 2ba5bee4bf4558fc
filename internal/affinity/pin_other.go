//go:build !linux

package affinity

import "errors"

// PinThread is not supported outside Linux.
func PinThread(cpu int) error {
	return errors.New("thread affinity is only supported on linux")
}
