//go:build !linux && !darwin

package media

import "math"

// FreeBytes has no portable implementation here; report unlimited space so
// the preflight never blocks uploads on platforms without statfs.
func FreeBytes(string) (uint64, error) {
	return math.MaxUint64, nil
}

func IsNoSpace(error) bool {
	return false
}
