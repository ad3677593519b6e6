//go:build !linux

package ws

import "errors"

// RaiseFileLimit is only implemented on Linux.
func RaiseFileLimit() (uint64, error) {
	return 0, errors.New("ws: raising the file limit is not supported on this platform")
}
