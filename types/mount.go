package types

// MountState is owned by the Mount Manager.
type MountState uint8

const (
	Unmounted MountState = iota
	Mounting
	Mounted
	MountFailed
)

func (s MountState) String() string {
	switch s {
	case Mounting:
		return "mounting"
	case Mounted:
		return "mounted"
	case MountFailed:
		return "mount_failed"
	default:
		return "unmounted"
	}
}

// SpaceUsage is a point-in-time reading; it is never cached.
type SpaceUsage struct {
	TotalBytes uint64 `json:"total_bytes"`
	UsedBytes  uint64 `json:"used_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
}

// FileInfo describes one directory entry.
type FileInfo struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}
