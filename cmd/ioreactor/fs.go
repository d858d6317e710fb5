//go:build linux || darwin

package main

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/joeycumines/go-ioreactor/asyncfs"
	"github.com/joeycumines/go-ioreactor/textenc"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

const catChunkSize = 64 << 10

func (x *cli) newStatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   `stat <path>`,
		Short: `Print file metadata`,
		Args:  cobra.ExactArgs(1),
		RunE: x.withReactor(func(cmd *cobra.Command, r *reactor, args []string) error {
			p, err := r.fs.Stat(args[0])
			if err != nil {
				return err
			}
			p.Then(func(res asyncfs.Result) {
				writeStats(cmd.OutOrStdout(), args[0], res.Stat)
			}, r.fail)
			return nil
		}),
	}
}

func writeStats(w io.Writer, path string, st *asyncfs.Stats) {
	_, _ = fmt.Fprintf(w, "path: %s\n", path)
	_, _ = fmt.Fprintf(w, "mode: %s (%#o)\n", st.FileMode(), st.Mode)
	_, _ = fmt.Fprintf(w, "size: %d\n", st.Size)
	_, _ = fmt.Fprintf(w, "dev: %d\nino: %d\nnlink: %d\n", st.Dev, st.Ino, st.Nlink)
	_, _ = fmt.Fprintf(w, "uid: %d\ngid: %d\nrdev: %d\n", st.UID, st.GID, st.Rdev)
	_, _ = fmt.Fprintf(w, "blksize: %d\nblocks: %d\n", st.Blksize, st.Blocks)
	_, _ = fmt.Fprintf(w, "atime: %s\n", st.Atime.UTC().Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "mtime: %s\n", st.Mtime.UTC().Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "ctime: %s\n", st.Ctime.UTC().Format(time.RFC3339))
}

func (x *cli) newLsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   `ls <dir>`,
		Short: `List directory entries, sorted`,
		Args:  cobra.ExactArgs(1),
		RunE: x.withReactor(func(cmd *cobra.Command, r *reactor, args []string) error {
			p, err := r.fs.Readdir(args[0])
			if err != nil {
				return err
			}
			p.Then(func(res asyncfs.Result) {
				names := slices.Clone(res.Names)
				slices.Sort(names)
				for _, name := range names {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), name)
				}
			}, r.fail)
			return nil
		}),
	}
}

func (x *cli) newCatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   `cat <file>`,
		Short: `Copy a file to stdout`,
		Args:  cobra.ExactArgs(1),
		RunE: x.withReactor(func(cmd *cobra.Command, r *reactor, args []string) error {
			p, err := r.fs.Open(args[0], unix.O_RDONLY, 0)
			if err != nil {
				return err
			}
			p.Then(func(res asyncfs.Result) {
				catFrom(r, cmd.OutOrStdout(), res.Int)
			}, r.fail)
			return nil
		}),
	}
}

// catFrom reads fd sequentially until EOF, then closes it.
func catFrom(r *reactor, w io.Writer, fd int) {
	closeFile := func(cause error) {
		r.fail(cause)
		p, err := r.fs.Close(fd)
		if err != nil {
			r.fail(err)
			return
		}
		p.Then(nil, r.fail)
	}

	var next func()
	next = func() {
		p, err := r.fs.Read(fd, catChunkSize, asyncfs.CurrentPosition, textenc.Raw)
		if err != nil {
			closeFile(err)
			return
		}
		p.Then(func(res asyncfs.Result) {
			if len(res.Data) == 0 {
				closeFile(nil)
				return
			}
			if _, err := w.Write(res.Data); err != nil {
				closeFile(err)
				return
			}
			next()
		}, closeFile)
	}
	next()
}

func (x *cli) newPutCommand() *cobra.Command {
	var mode string
	cmd := cobra.Command{
		Use:   `put <file>`,
		Short: `Write stdin to a file, creating or truncating it`,
		Args:  cobra.ExactArgs(1),
		RunE: x.withReactor(func(cmd *cobra.Command, r *reactor, args []string) error {
			perm, err := parseMode(mode)
			if err != nil {
				return err
			}
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			p, err := r.fs.Open(args[0], unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, perm)
			if err != nil {
				return err
			}
			p.Then(func(res asyncfs.Result) {
				putTo(r, res.Int, data)
			}, r.fail)
			return nil
		}),
	}
	cmd.Flags().StringVar(&mode, `mode`, `644`, `permission bits for a new file, in octal`)
	return &cmd
}

// putTo writes all of data to fd, handling short writes, then closes it.
func putTo(r *reactor, fd int, data []byte) {
	closeFile := func(cause error) {
		r.fail(cause)
		p, err := r.fs.Close(fd)
		if err != nil {
			r.fail(err)
			return
		}
		p.Then(nil, r.fail)
	}

	var next func()
	next = func() {
		if len(data) == 0 {
			closeFile(nil)
			return
		}
		p, err := r.fs.Write(fd, data, asyncfs.CurrentPosition)
		if err != nil {
			closeFile(err)
			return
		}
		p.Then(func(res asyncfs.Result) {
			data = data[res.Int:]
			next()
		}, closeFile)
	}
	next()
}

func (x *cli) newRmCommand() *cobra.Command {
	return &cobra.Command{
		Use:   `rm <file>`,
		Short: `Unlink a file`,
		Args:  cobra.ExactArgs(1),
		RunE: x.withReactor(func(cmd *cobra.Command, r *reactor, args []string) error {
			p, err := r.fs.Unlink(args[0])
			if err != nil {
				return err
			}
			p.Then(nil, r.fail)
			return nil
		}),
	}
}

func (x *cli) newMvCommand() *cobra.Command {
	return &cobra.Command{
		Use:   `mv <old> <new>`,
		Short: `Rename a file or directory`,
		Args:  cobra.ExactArgs(2),
		RunE: x.withReactor(func(cmd *cobra.Command, r *reactor, args []string) error {
			p, err := r.fs.Rename(args[0], args[1])
			if err != nil {
				return err
			}
			p.Then(nil, r.fail)
			return nil
		}),
	}
}

func (x *cli) newMkdirCommand() *cobra.Command {
	var mode string
	cmd := cobra.Command{
		Use:   `mkdir <dir>`,
		Short: `Create a directory`,
		Args:  cobra.ExactArgs(1),
		RunE: x.withReactor(func(cmd *cobra.Command, r *reactor, args []string) error {
			perm, err := parseMode(mode)
			if err != nil {
				return err
			}
			p, err := r.fs.Mkdir(args[0], perm)
			if err != nil {
				return err
			}
			p.Then(nil, r.fail)
			return nil
		}),
	}
	cmd.Flags().StringVar(&mode, `mode`, `755`, `permission bits, in octal`)
	return &cmd
}

func (x *cli) newRmdirCommand() *cobra.Command {
	return &cobra.Command{
		Use:   `rmdir <dir>`,
		Short: `Remove an empty directory`,
		Args:  cobra.ExactArgs(1),
		RunE: x.withReactor(func(cmd *cobra.Command, r *reactor, args []string) error {
			p, err := r.fs.Rmdir(args[0])
			if err != nil {
				return err
			}
			p.Then(nil, r.fail)
			return nil
		}),
	}
}

func parseMode(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf(`invalid mode %q: %w`, s, err)
	}
	if v&^0o7777 != 0 {
		return 0, fmt.Errorf(`invalid mode %q: out of range`, s)
	}
	return uint32(v), nil
}
