//go:build linux || darwin

package evnet

type (
	// Handler receives Conn events, on the loop goroutine. Embed BaseHandler
	// to implement only the methods of interest.
	Handler interface {
		// OnConnect is called once the connection is established.
		OnConnect(c *Conn)

		// OnReceive is called with each chunk of inbound data, in stream
		// order. The slice is only valid for the duration of the call.
		OnReceive(c *Conn, data []byte)

		// OnEOF is called when the peer half-closes. The Conn may still be
		// written to, until Close.
		OnEOF(c *Conn)

		// OnClose is called exactly once, after the socket is closed. The
		// error is nil for a clean close.
		OnClose(c *Conn, err error)

		// OnTimeout is called when the inactivity timer set by SetTimeout
		// expires. The state is unchanged.
		OnTimeout(c *Conn)
	}

	// BaseHandler implements Handler with no-ops.
	BaseHandler struct{}

	// ListenerHandler receives Listener events, on the loop goroutine. Embed
	// BaseListenerHandler to implement only the methods of interest.
	ListenerHandler interface {
		// NewConnection builds the Conn an accepted socket is wired into. It
		// must be an Idle Conn on the listener's loop. Returning nil rejects
		// the socket.
		NewConnection(l *Listener) *Conn

		// OnAccepted is called with each accepted Conn, before its
		// OnConnect.
		OnAccepted(l *Listener, c *Conn)

		// OnClose is called exactly once, after the listening socket is
		// closed.
		OnClose(l *Listener, err error)
	}

	// BaseListenerHandler implements ListenerHandler. Its NewConnection
	// returns a Conn with a BaseHandler, sharing the listener's registry and
	// logger.
	BaseListenerHandler struct{}
)

var (
	// compile time assertions

	_ Handler         = BaseHandler{}
	_ ListenerHandler = BaseListenerHandler{}
)

func (BaseHandler) OnConnect(*Conn) {}

func (BaseHandler) OnReceive(*Conn, []byte) {}

func (BaseHandler) OnEOF(*Conn) {}

func (BaseHandler) OnClose(*Conn, error) {}

func (BaseHandler) OnTimeout(*Conn) {}

func (BaseListenerHandler) NewConnection(l *Listener) *Conn {
	return NewConn(l.Loop(), BaseHandler{}, WithRegistry(l.opts.registry), WithLogger(l.logger))
}

func (BaseListenerHandler) OnAccepted(*Listener, *Conn) {}

func (BaseListenerHandler) OnClose(*Listener, error) {}
