//go:build !realhw
// +build !realhw

package aqlqueue

import "fmt"

// OpenRealHardwareQueue always returns an error in builds without the realhw
// tag. This tree contains no realhw-tagged implementation.
func OpenRealHardwareQueue(id uint32, size uint64, doorbell interface{}) (*Queue, error) {
	return nil, fmt.Errorf("realhw not enabled; build with -tags realhw")
}
