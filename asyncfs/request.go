//go:build linux || darwin

package asyncfs

import (
	"os"

	"github.com/joeycumines/go-ioreactor/internal/invariant"
	"github.com/joeycumines/go-ioreactor/textenc"
	"golang.org/x/sys/unix"
)

// request describes one dispatched operation. Arguments are set before
// dispatch, results by the worker, and then only read on the loop.
type request struct {
	err   error
	stat  *Stats
	path  string
	path2 string
	data  []byte
	names []string
	pos   int64
	fd    int
	flags int
	n     int
	mode  uint32
	kind  Kind
	enc   textenc.Encoding
}

// execute performs the blocking call. It runs on a pool worker.
func (r *request) execute() {
	switch r.kind {
	case KindClose:
		r.err = unix.Close(r.fd)

	case KindOpen:
		r.n, r.err = unix.Open(r.path, r.flags|unix.O_CLOEXEC, r.mode)

	case KindRead:
		buf := r.data
		if r.pos == -1 {
			r.n, r.err = unix.Read(r.fd, buf)
		} else {
			r.n, r.err = unix.Pread(r.fd, buf, r.pos)
		}
		if r.n < 0 {
			r.n = 0
		}
		r.data = buf[:r.n]

	case KindWrite:
		if r.pos == -1 {
			r.n, r.err = unix.Write(r.fd, r.data)
		} else {
			r.n, r.err = unix.Pwrite(r.fd, r.data, r.pos)
		}
		if r.n < 0 {
			r.n = 0
		}

	case KindStat:
		var st unix.Stat_t
		if r.err = unix.Stat(r.path, &st); r.err == nil {
			r.stat = newStats(&st)
		}

	case KindRename:
		r.err = unix.Rename(r.path, r.path2)

	case KindUnlink:
		r.err = unix.Unlink(r.path)

	case KindRmdir:
		r.err = unix.Rmdir(r.path)

	case KindMkdir:
		r.err = unix.Mkdir(r.path, r.mode)

	case KindReaddir:
		r.names, r.err = readdir(r.path)

	default:
		invariant.Panicf(`asyncfs: unknown request kind: %s`, r.kind)
	}
}

// readdir lists the entries of a directory, excluding "." and "..", in the
// order the filesystem returns them.
func readdir(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}
	return names, nil
}
