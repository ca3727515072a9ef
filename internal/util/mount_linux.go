//go:build linux

package util

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// statfs f_type values of network filesystems
var remoteMagic = map[uint32]string{
	0x6969:     "nfs",
	0xff534d42: "cifs",
	0xfe534d42: "smb2",
	0x517b:     "smb",
	0x564c:     "ncp",
	0x65735546: "fuse", // only remote when the mount table says so
}

var remoteTypes = []string{"nfs", "cifs", "smb", "ncpfs", "fuse.sshfs", "fuse.rclone", "9p"}

func platformMount(path string, stat *syscall.Statfs_t) (*MountInfo, error) {
	info := &MountInfo{}
	if name, ok := remoteMagic[uint32(stat.Type)]; ok {
		info.FSType = name
		info.Remote = name != "fuse"
	}

	f, err := os.Open("/proc/mounts")
	if err != nil {
		return info, nil
	}
	defer f.Close()

	mounts, err := parseMounts(f)
	if err != nil {
		return info, nil
	}
	if point, fsType := longestMount(path, mounts); point != "" {
		info.MountPoint = point
		info.FSType = fsType
		info.Remote = isRemoteType(fsType)
	}
	return info, nil
}

// parseMounts reads a /proc/mounts style table into mount point -> fs type
func parseMounts(r io.Reader) (map[string]string, error) {
	mounts := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		// device mountpoint fstype options dump pass
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		mounts[unescapeMount(fields[1])] = fields[2]
	}
	return mounts, scanner.Err()
}

// unescapeMount undoes the octal escaping of spaces and tabs in mount points
func unescapeMount(s string) string {
	return strings.NewReplacer(`\040`, " ", `\011`, "\t", `\134`, `\`).Replace(s)
}

func longestMount(path string, mounts map[string]string) (string, string) {
	var point, fsType string
	for mp, t := range mounts {
		if !within(path, mp) || len(mp) <= len(point) {
			continue
		}
		point, fsType = mp, t
	}
	return point, fsType
}

func within(path, dir string) bool {
	if dir == "/" {
		return true
	}
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func isRemoteType(fsType string) bool {
	fsType = strings.ToLower(fsType)
	for _, t := range remoteTypes {
		if strings.HasPrefix(fsType, t) {
			return true
		}
	}
	return false
}
