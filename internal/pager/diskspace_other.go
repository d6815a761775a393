//go:build !unix

package pager

import "math"

// availableSpace on non-unix platforms (the native build targets Linux
// containers exclusively; this stub only keeps the package portable for
// cross-compilation of unrelated tools that import it).
func availableSpace(dir string) (int64, error) {
	return math.MaxInt64, nil
}
