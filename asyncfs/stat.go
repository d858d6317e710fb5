//go:build linux || darwin

package asyncfs

import (
	"io/fs"
	"time"

	"golang.org/x/sys/unix"
)

// Stats is the result of a stat operation. Fields are in the conventional
// stat order. Timestamps have whole-second precision.
type Stats struct { // betteralign:ignore
	Dev     uint64
	Ino     uint64
	Mode    uint32
	Nlink   uint64
	UID     uint32
	GID     uint32
	Rdev    uint64
	Size    int64
	Blksize int64
	Blocks  int64
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
}

// newStats converts the platform stat struct. The integer widths of
// unix.Stat_t vary by platform, hence the explicit conversions.
func newStats(st *unix.Stat_t) *Stats {
	return &Stats{
		Dev:     uint64(st.Dev),
		Ino:     uint64(st.Ino),
		Mode:    uint32(st.Mode),
		Nlink:   uint64(st.Nlink),
		UID:     st.Uid,
		GID:     st.Gid,
		Rdev:    uint64(st.Rdev),
		Size:    st.Size,
		Blksize: int64(st.Blksize),
		Blocks:  st.Blocks,
		Atime:   time.Unix(int64(st.Atim.Sec), 0),
		Mtime:   time.Unix(int64(st.Mtim.Sec), 0),
		Ctime:   time.Unix(int64(st.Ctim.Sec), 0),
	}
}

// IsDir reports whether the stat describes a directory.
func (x *Stats) IsDir() bool {
	return x.Mode&unix.S_IFMT == unix.S_IFDIR
}

// IsRegular reports whether the stat describes a regular file.
func (x *Stats) IsRegular() bool {
	return x.Mode&unix.S_IFMT == unix.S_IFREG
}

// FileMode converts Mode to the io/fs representation.
func (x *Stats) FileMode() fs.FileMode {
	mode := fs.FileMode(x.Mode & 0o777)
	switch x.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		mode |= fs.ModeDir
	case unix.S_IFLNK:
		mode |= fs.ModeSymlink
	case unix.S_IFIFO:
		mode |= fs.ModeNamedPipe
	case unix.S_IFSOCK:
		mode |= fs.ModeSocket
	case unix.S_IFCHR:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case unix.S_IFBLK:
		mode |= fs.ModeDevice
	}
	if x.Mode&unix.S_ISUID != 0 {
		mode |= fs.ModeSetuid
	}
	if x.Mode&unix.S_ISGID != 0 {
		mode |= fs.ModeSetgid
	}
	if x.Mode&unix.S_ISVTX != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}
