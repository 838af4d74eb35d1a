//go:build linux

package diskio

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/prxssh/ccbt/internal/config"
)

// preallocate reserves size bytes for f according to mode. On linux,
// PreallocationFallocate uses fallocate(2) with FALLOC_FL_KEEP_SIZE-less
// semantics (it grows the file) to reserve real disk blocks without the
// zero-fill cost of PreallocationFull.
func preallocate(f *os.File, size int64, mode config.PreallocationMode) error {
	switch mode {
	case config.PreallocationNone:
		return nil
	case config.PreallocationSparse:
		return f.Truncate(size)
	case config.PreallocationFull:
		return fullZeroFill(f, size)
	case config.PreallocationFallocate:
		if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
			return fullZeroFill(f, size)
		}
		return nil
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
