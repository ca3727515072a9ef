//go:build !linux && !darwin

package util

import "syscall"

// platformMount cannot tell on this platform; everything is treated as local
func platformMount(path string, stat *syscall.Statfs_t) (*MountInfo, error) {
	return &MountInfo{}, nil
}
