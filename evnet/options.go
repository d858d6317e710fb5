//go:build linux || darwin

package evnet

import (
	"net"
	"time"

	"github.com/joeycumines/go-ioreactor/eventloop"
	"github.com/joeycumines/go-ioreactor/liveness"
	"github.com/joeycumines/go-ioreactor/workerpool"
	"github.com/joeycumines/logiface"
)

const defaultReadBufferSize = 64 << 10

type (
	// Option configures a Conn or a Listener. Options that do not apply to
	// the value being built are ignored.
	Option interface {
		applyNet(*netOptions)
	}

	netOptions struct {
		pool           *workerpool.Pool
		resolver       *net.Resolver
		registry       *liveness.Registry
		logger         *logiface.Logger[logiface.Event]
		acceptRates    map[time.Duration]int
		readBufferSize int
		hasLogger      bool
	}

	optionFunc func(*netOptions)
)

func (f optionFunc) applyNet(opts *netOptions) { f(opts) }

// WithPool sets the worker pool hostname lookups run on. Without it, Conn
// only accepts numeric addresses.
func WithPool(pool *workerpool.Pool) Option {
	return optionFunc(func(opts *netOptions) {
		opts.pool = pool
	})
}

// WithResolver overrides net.DefaultResolver.
func WithResolver(resolver *net.Resolver) Option {
	return optionFunc(func(opts *netOptions) {
		opts.resolver = resolver
	})
}

// WithRegistry sets the registry tokens are acquired from. Defaults to the
// loop's keep-alive registry, or liveness.Default if it has none.
func WithRegistry(registry *liveness.Registry) Option {
	return optionFunc(func(opts *netOptions) {
		opts.registry = registry
	})
}

// WithLogger overrides the logger, which defaults to the loop's.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return optionFunc(func(opts *netOptions) {
		opts.logger = logger
		opts.hasLogger = true
	})
}

// WithReadBufferSize sets the size of the per-Conn read buffer, which bounds
// the size of each OnReceive chunk. Defaults to 64KiB.
func WithReadBufferSize(n int) Option {
	return optionFunc(func(opts *netOptions) {
		opts.readBufferSize = n
	})
}

// WithAcceptRateLimit limits accepted connections per remote IP, using
// sliding windows, see catrate.NewLimiter. Sockets over the limit are closed
// as soon as they are accepted. Panics (when the Listener is built) if rates
// are invalid.
func WithAcceptRateLimit(rates map[time.Duration]int) Option {
	return optionFunc(func(opts *netOptions) {
		opts.acceptRates = rates
	})
}

func resolveOptions(loop *eventloop.Loop, opts []Option) *netOptions {
	var cfg netOptions
	for _, opt := range opts {
		if opt != nil {
			opt.applyNet(&cfg)
		}
	}
	if cfg.resolver == nil {
		cfg.resolver = net.DefaultResolver
	}
	if cfg.registry == nil {
		cfg.registry = loop.KeepAlive()
	}
	if cfg.registry == nil {
		cfg.registry = liveness.Default
	}
	if !cfg.hasLogger {
		cfg.logger = loop.Logger()
	}
	if cfg.readBufferSize <= 0 {
		cfg.readBufferSize = defaultReadBufferSize
	}
	return &cfg
}
