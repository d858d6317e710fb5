//go:build linux || darwin

// Package asyncfs bridges blocking filesystem calls onto the event loop.
//
// Each operation validates its arguments synchronously, then runs the
// blocking call on a worker pool, and settles the returned [Promise] on the
// loop goroutine. From dispatch until settlement the promise holds a
// [liveness.Token], so a keep-alive loop will not exit while work is
// outstanding.
package asyncfs

import (
	"context"
	"fmt"
	"strings"

	"github.com/joeycumines/go-ioreactor/eventloop"
	"github.com/joeycumines/go-ioreactor/liveness"
	"github.com/joeycumines/go-ioreactor/textenc"
	"github.com/joeycumines/go-ioreactor/workerpool"
	"github.com/joeycumines/logiface"
)

// CurrentPosition, passed as pos to Read or Write, uses (and advances) the
// file's current offset.
const CurrentPosition int64 = -1

type (
	// FS dispatches filesystem operations. Instances must be initialized
	// using the New factory.
	FS struct {
		loop     *eventloop.Loop
		pool     *workerpool.Pool
		registry *liveness.Registry
		logger   *logiface.Logger[logiface.Event]
	}

	// Option configures an FS.
	Option interface {
		applyFS(*fsOptions)
	}

	fsOptions struct {
		registry  *liveness.Registry
		logger    *logiface.Logger[logiface.Event]
		hasLogger bool
	}

	optionFunc func(*fsOptions)
)

func (f optionFunc) applyFS(opts *fsOptions) { f(opts) }

// WithRegistry sets the registry tokens are acquired from. Defaults to the
// loop's keep-alive registry, or liveness.Default if it has none.
func WithRegistry(registry *liveness.Registry) Option {
	return optionFunc(func(opts *fsOptions) {
		opts.registry = registry
	})
}

// WithLogger overrides the logger, which defaults to the loop's.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return optionFunc(func(opts *fsOptions) {
		opts.logger = logger
		opts.hasLogger = true
	})
}

// New returns an FS that runs blocking calls on pool, and settles promises
// on loop. Both are required.
func New(loop *eventloop.Loop, pool *workerpool.Pool, opts ...Option) *FS {
	if loop == nil || pool == nil {
		panic(`asyncfs: nil loop or pool`)
	}
	var cfg fsOptions
	for _, opt := range opts {
		if opt != nil {
			opt.applyFS(&cfg)
		}
	}
	x := FS{
		loop:     loop,
		pool:     pool,
		registry: cfg.registry,
		logger:   cfg.logger,
	}
	if x.registry == nil {
		x.registry = loop.KeepAlive()
	}
	if x.registry == nil {
		x.registry = liveness.Default
	}
	if !cfg.hasLogger {
		x.logger = loop.Logger()
	}
	return &x
}

// Close closes fd.
func (x *FS) Close(fd int) (*Promise, error) {
	if fd < 0 {
		return nil, badArgument(KindClose, `negative fd`)
	}
	return x.dispatch(&request{kind: KindClose, fd: fd})
}

// Open opens path, with open(2) flags and permission bits. On success,
// Result.Int is the new fd, which has close-on-exec set.
func (x *FS) Open(path string, flags int, mode uint32) (*Promise, error) {
	if err := checkPath(KindOpen, path); err != nil {
		return nil, err
	}
	return x.dispatch(&request{kind: KindOpen, path: path, flags: flags, mode: mode})
}

// Read reads up to length bytes from fd, at pos, or at the current offset if
// pos is CurrentPosition. Result.Data holds the bytes, and Result.Text the
// bytes decoded per enc. A short (or zero, at EOF) read is not an error.
func (x *FS) Read(fd int, length int, pos int64, enc textenc.Encoding) (*Promise, error) {
	switch {
	case fd < 0:
		return nil, badArgument(KindRead, `negative fd`)
	case length < 0:
		return nil, badArgument(KindRead, `negative length`)
	case pos < CurrentPosition:
		return nil, badArgument(KindRead, `invalid position`)
	case !enc.Valid():
		return nil, badArgument(KindRead, `unknown encoding`)
	}
	return x.dispatch(&request{kind: KindRead, fd: fd, data: make([]byte, length), pos: pos, enc: enc})
}

// Write writes data to fd, at pos, or at the current offset if pos is
// CurrentPosition. Result.Int is the number of bytes written. The data must
// not be modified until the promise settles.
func (x *FS) Write(fd int, data []byte, pos int64) (*Promise, error) {
	switch {
	case fd < 0:
		return nil, badArgument(KindWrite, `negative fd`)
	case pos < CurrentPosition:
		return nil, badArgument(KindWrite, `invalid position`)
	}
	return x.dispatch(&request{kind: KindWrite, fd: fd, data: data, pos: pos})
}

// WriteString encodes s per enc, then behaves like Write. Encoding failures
// are returned synchronously, and nothing is dispatched.
func (x *FS) WriteString(fd int, s string, pos int64, enc textenc.Encoding) (*Promise, error) {
	if !enc.Valid() {
		return nil, badArgument(KindWrite, `unknown encoding`)
	}
	data, err := enc.Encode(s)
	if err != nil {
		return nil, err
	}
	return x.Write(fd, data, pos)
}

// Stat stats path, following symlinks.
func (x *FS) Stat(path string) (*Promise, error) {
	if err := checkPath(KindStat, path); err != nil {
		return nil, err
	}
	return x.dispatch(&request{kind: KindStat, path: path})
}

// Rename renames oldPath to newPath. It emits exactly one terminal event.
func (x *FS) Rename(oldPath, newPath string) (*Promise, error) {
	if err := checkPath(KindRename, oldPath); err != nil {
		return nil, err
	}
	if err := checkPath(KindRename, newPath); err != nil {
		return nil, err
	}
	return x.dispatch(&request{kind: KindRename, path: oldPath, path2: newPath})
}

// Unlink removes the file at path.
func (x *FS) Unlink(path string) (*Promise, error) {
	if err := checkPath(KindUnlink, path); err != nil {
		return nil, err
	}
	return x.dispatch(&request{kind: KindUnlink, path: path})
}

// Rmdir removes the empty directory at path.
func (x *FS) Rmdir(path string) (*Promise, error) {
	if err := checkPath(KindRmdir, path); err != nil {
		return nil, err
	}
	return x.dispatch(&request{kind: KindRmdir, path: path})
}

// Mkdir creates a directory at path, with the given permission bits.
func (x *FS) Mkdir(path string, mode uint32) (*Promise, error) {
	if err := checkPath(KindMkdir, path); err != nil {
		return nil, err
	}
	return x.dispatch(&request{kind: KindMkdir, path: path, mode: mode})
}

// Readdir lists the entry names of the directory at path, excluding "." and
// "..". Order is whatever the filesystem returns.
func (x *FS) Readdir(path string) (*Promise, error) {
	if err := checkPath(KindReaddir, path); err != nil {
		return nil, err
	}
	return x.dispatch(&request{kind: KindReaddir, path: path})
}

func checkPath(kind Kind, path string) error {
	if path == `` {
		return badArgument(kind, `empty path`)
	}
	if strings.IndexByte(path, 0) != -1 {
		return badArgument(kind, `path contains NUL`)
	}
	return nil
}

// dispatch attaches a new promise, and queues req on the pool.
func (x *FS) dispatch(req *request) (*Promise, error) {
	p := &Promise{
		fs:    x,
		req:   req,
		kind:  req.kind,
		done:  make(chan struct{}),
		token: x.registry.Acquire(),
	}

	if err := x.pool.Submit(context.Background(), func() {
		req.execute()
		p.complete()
	}); err != nil {
		p.token.Release()
		return nil, fmt.Errorf("asyncfs: %s: %w", req.kind, err)
	}

	x.logger.Debug().
		Str(`kind`, req.kind.String()).
		Log(`asyncfs: dispatched`)

	return p, nil
}
