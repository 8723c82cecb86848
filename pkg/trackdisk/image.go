package trackdisk

import (
	"bytes"
	"fmt"

	"github.com/natefinch/atomic"
)

// CreateImage writes a zero-filled image of drive type dt to path. The file
// appears atomically and replaces any existing file.
func CreateImage(path string, dt DriveType) error {
	if dt != DriveDD && dt != DriveHD {
		return fmt.Errorf("%w: drive type %d", ErrUnsupportedSize, dt)
	}

	buf := make([]byte, GeometryFor(dt).DiskSize())

	if err := atomic.WriteFile(path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("create image %s: %w", path, err)
	}

	return nil
}
