package disk

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// Entry files become visible under their final name only after a full
// write and a rename. The temp file is created with the setgid bit
// set; the bit is cleared when the write finishes, so an interrupted
// write is recognizable (and removed) on the next directory scan.

// entryMode is the permission set of fully written entry files.
const entryMode = 0664

// wipMode marks entry files that are still being written.
const wipMode = entryMode | os.ModeSetgid

// tempSeq feeds the temp name suffixes. Seeded from the clock so
// suffixes differ across runs; collisions with leftover files are
// handled by retrying.
var tempSeq atomic.Uint64

func init() {
	tempSeq.Store(uint64(time.Now().UnixNano()))
}

var errNoTempFile = errors.New("disk: failed to create a temp file")

// createTemp creates a file named "<base>-<suffix>" in wipMode and
// returns it along with its name. The caller writes the entry, chmods
// it to entryMode, and renames it to base.
func createTemp(base string) (*os.File, string, error) {
	for i := 0; i < 1000; i++ {
		name := fmt.Sprintf("%s-%09d", base, tempSeq.Add(1)%1_000_000_000)

		f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, wipMode)
		if err == nil {
			return f, name, nil
		}
		if !os.IsExist(err) {
			return nil, "", err
		}
		// Collision with a leftover temp file. Try the next suffix.
	}
	return nil, "", errNoTempFile
}
