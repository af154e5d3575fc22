//go:build !linux && !darwin

package health

import (
	"errors"
	"runtime"
)

func diskSpace(path string) (free, total uint64, err error) {
	return 0, 0, errors.New("disk stats not available on " + runtime.GOOS)
}
