//go:build !linux

package diskio

import (
	"os"

	"github.com/prxssh/ccbt/internal/config"
)

// preallocate reserves size bytes for f according to mode. fallocate(2) is
// linux-only, so PreallocationFallocate degrades to the zero-fill path on
// other platforms, matching the documented fallback.
func preallocate(f *os.File, size int64, mode config.PreallocationMode) error {
	switch mode {
	case config.PreallocationNone:
		return nil
	case config.PreallocationSparse:
		return f.Truncate(size)
	case config.PreallocationFull, config.PreallocationFallocate:
		return fullZeroFill(f, size)
	default:
		return f.Truncate(size)
	}
}

func fullZeroFill(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return err
	}

	const chunkSize = 1 << 20
	chunk := make([]byte, chunkSize)

	var written int64
	for written < size {
		n := int64(len(chunk))
		if remaining := size - written; remaining < n {
			n = remaining
		}
		if _, err := f.WriteAt(chunk[:n], written); err != nil {
			return err
		}
		written += n
	}

	return nil
}
