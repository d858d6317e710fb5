//go:build linux || darwin

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/joeycumines/go-ioreactor/evnet"
	"github.com/joeycumines/go-ioreactor/textenc"
	"github.com/joeycumines/logiface"
	"github.com/spf13/cobra"
)

const stdinChunkSize = 32 << 10

func (x *cli) newServeCommand() *cobra.Command {
	var flags ServeConfig
	cmd := cobra.Command{
		Use:   `serve`,
		Short: `Run a TCP echo server until interrupted`,
		Args:  cobra.NoArgs,
	}
	cmd.RunE = x.withReactor(func(cmd *cobra.Command, r *reactor, _ []string) error {
		cfg := x.cfg.Serve
		timeout, _ := cfg.timeout()
		enc, _ := textenc.Parse(cfg.Encoding)

		l := evnet.NewListener(r.loop, &echoServer{
			logger:  r.logger,
			timeout: timeout,
			enc:     enc,
		}, evnet.WithAcceptRateLimit(cfg.acceptRates()))
		if err := l.Listen(cfg.Address, cfg.Backlog); err != nil {
			return err
		}

		r.logger.Info().
			Stringer(`addr`, l.Addr()).
			Log(`ioreactor: serving`)
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), l.Addr())

		return nil
	})
	cmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		f := cmd.Flags()
		if f.Changed(`address`) {
			x.cfg.Serve.Address = flags.Address
		}
		if f.Changed(`backlog`) {
			x.cfg.Serve.Backlog = flags.Backlog
		}
		if f.Changed(`timeout`) {
			x.cfg.Serve.Timeout = flags.Timeout
		}
		if f.Changed(`accept-rate`) {
			x.cfg.Serve.AcceptRate = flags.AcceptRate
		}
		if f.Changed(`encoding`) {
			x.cfg.Serve.Encoding = flags.Encoding
		}
		return x.cfg.validate()
	}
	f := cmd.Flags()
	f.StringVar(&flags.Address, `address`, ``, `host:port to listen on`)
	f.IntVar(&flags.Backlog, `backlog`, 0, `listen backlog, 0 for the default`)
	f.StringVar(&flags.Timeout, `timeout`, ``, `close connections idle for this long, e.g. 30s`)
	f.IntVar(&flags.AcceptRate, `accept-rate`, 0, `max accepts per remote address per minute, 0 for no limit`)
	f.StringVar(&flags.Encoding, `encoding`, ``, `receive framing: utf8 or raw`)
	return &cmd
}

// echoServer is the listener handler for serve. Every accepted connection
// echoes what it receives, and closes on EOF or idle timeout.
type echoServer struct {
	logger  *logiface.Logger[logiface.Event]
	timeout time.Duration
	enc     textenc.Encoding
}

func (x *echoServer) NewConnection(l *evnet.Listener) *evnet.Conn {
	return evnet.NewConn(l.Loop(), &echoConn{logger: x.logger})
}

func (x *echoServer) OnAccepted(_ *evnet.Listener, c *evnet.Conn) {
	x.logger.Info().
		Stringer(`remote`, c.RemoteAddr()).
		Log(`ioreactor: accepted`)
	if err := c.SetEncoding(x.enc); err != nil {
		x.logger.Err().Err(err).Log(`ioreactor: set encoding`)
	}
	if err := c.SetTimeout(x.timeout); err != nil {
		x.logger.Err().Err(err).Log(`ioreactor: set timeout`)
	}
}

func (x *echoServer) OnClose(_ *evnet.Listener, err error) {
	if err != nil {
		x.logger.Err().Err(err).Log(`ioreactor: listener failed`)
	}
}

type echoConn struct {
	evnet.BaseHandler
	logger *logiface.Logger[logiface.Event]
}

func (x *echoConn) OnReceive(c *evnet.Conn, data []byte) {
	if err := c.Send(data); err != nil {
		x.logger.Warning().
			Err(err).
			Stringer(`remote`, c.RemoteAddr()).
			Log(`ioreactor: echo failed`)
	}
}

func (x *echoConn) OnEOF(c *evnet.Conn) {
	_ = c.Close()
}

func (x *echoConn) OnTimeout(c *evnet.Conn) {
	x.logger.Info().
		Stringer(`remote`, c.RemoteAddr()).
		Log(`ioreactor: idle timeout`)
	_ = c.Close()
}

func (x *echoConn) OnClose(c *evnet.Conn, err error) {
	b := x.logger.Info()
	if err != nil {
		b = b.Err(err)
	}
	b.Stringer(`remote`, c.RemoteAddr()).
		Log(`ioreactor: connection closed`)
}

func (x *cli) newConnectCommand() *cobra.Command {
	var (
		timeout  time.Duration
		encoding string
	)
	cmd := cobra.Command{
		Use:   `connect <host:port>`,
		Short: `Pipe stdin to a TCP peer, and the peer to stdout`,
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = x.withReactor(func(cmd *cobra.Command, r *reactor, args []string) error {
		enc, err := textenc.Parse(encoding)
		if err != nil {
			return err
		}
		h := pipeConn{
			r:     r,
			in:    cmd.InOrStdin(),
			out:   cmd.OutOrStdout(),
			delay: timeout,
		}
		c := evnet.NewConn(r.loop, &h, evnet.WithPool(r.pool))
		if err := c.SetEncoding(enc); err != nil {
			return err
		}
		return c.Connect(args[0])
	})
	cmd.Flags().DurationVar(&timeout, `timeout`, 0, `close after this long without traffic`)
	cmd.Flags().StringVar(&encoding, `encoding`, textenc.Raw.String(), `receive framing: utf8 or raw`)
	return &cmd
}

// pipeConn is the handler for connect. It reads stdin on its own goroutine,
// handing each chunk to the loop.
type pipeConn struct {
	evnet.BaseHandler
	r     *reactor
	in    io.Reader
	out   io.Writer
	delay time.Duration
}

func (x *pipeConn) OnConnect(c *evnet.Conn) {
	x.r.logger.Debug().
		Stringer(`remote`, c.RemoteAddr()).
		Log(`ioreactor: connected`)
	if err := c.SetTimeout(x.delay); err != nil {
		x.r.fail(err)
	}
	go x.pump(c)
}

func (x *pipeConn) pump(c *evnet.Conn) {
	loop := c.Loop()
	for {
		buf := make([]byte, stdinChunkSize)
		n, err := x.in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if serr := loop.Submit(func() {
				if err := c.Send(chunk); err != nil {
					x.r.logger.Debug().Err(err).Log(`ioreactor: send dropped`)
				}
			}); serr != nil {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				x.r.logger.Err().Err(err).Log(`ioreactor: stdin`)
			}
			_ = loop.Submit(func() { _ = c.Close() })
			return
		}
	}
}

func (x *pipeConn) OnReceive(c *evnet.Conn, data []byte) {
	if _, err := x.out.Write(data); err != nil {
		x.r.fail(err)
		_ = c.ForceClose()
	}
}

func (x *pipeConn) OnEOF(c *evnet.Conn) {
	_ = c.Close()
}

func (x *pipeConn) OnTimeout(c *evnet.Conn) {
	x.r.logger.Info().Log(`ioreactor: idle timeout`)
	_ = c.Close()
}

func (x *pipeConn) OnClose(_ *evnet.Conn, err error) {
	x.r.fail(err)
}
