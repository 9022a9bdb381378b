// SPDX-License-Identifier: MIT

//go:build unix

package storage

import "syscall"

func statfsSnapshot(path string) (Snapshot, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return Snapshot{}, err
	}

	bsize := uint64(stat.Bsize) // #nosec G115 -- block size is small and positive
	total := stat.Blocks * bsize
	free := stat.Bavail * bsize
	used := total - stat.Bfree*bsize

	snap := Snapshot{
		TotalBytes: total,
		UsedBytes:  used,
		FreeBytes:  free,
	}
	if total > 0 {
		snap.PercentUsed = 100 * float64(used) / float64(total)
	}
	return snap, nil
}
