package util

import (
	"fmt"
	"path/filepath"
	"syscall"
)

// MountInfo describes the filesystem holding a path
type MountInfo struct {
	Remote     bool   // network mount; flock and rename are not reliably atomic there
	FSType     string // nfs, cifs, smbfs, fuse.sshfs... or empty when unknown
	MountPoint string
}

// DetectMount reports which filesystem holds path. The journal lock and
// the staging area both rely on local-filesystem semantics.
func DetectMount(path string) (*MountInfo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(abs, &stat); err != nil {
		return nil, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return platformMount(abs, &stat)
}

// IsRemotePath is DetectMount(path).Remote, false when detection fails
func IsRemotePath(path string) bool {
	info, err := DetectMount(path)
	if err != nil {
		return false
	}
	return info.Remote
}
