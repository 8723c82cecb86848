//go:build !linux

package fs

// VolumeReadOnly always reports false outside Linux; a read-only volume is
// then caught by the file writability check or the first failed write.
func VolumeReadOnly(path string) (bool, error) {
	return false, nil
}
