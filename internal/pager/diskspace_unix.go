//go:build unix

package pager

import "golang.org/x/sys/unix"

// availableSpace returns the free space, in bytes, of the filesystem
// backing dir, used by the min-available-space reclamation trigger.
func availableSpace(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
