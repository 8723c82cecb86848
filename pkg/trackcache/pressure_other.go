//go:build !linux

package trackcache

// SystemFreeMemory always fails outside Linux.
func SystemFreeMemory() (uint64, error) {
	return 0, ErrPressureUnsupported
}
