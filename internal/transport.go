package internal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
)

type TransportState int

const (
	// TransportStateDisconnected means we're disconnected and not trying to
	// connect. connLoop is not running.
	TransportStateDisconnected TransportState = iota

	// TransportStateWaitBeforeReconnect means we already tried to connect, but
	// then either the connection failed, or succeeded but later disconnected
	// for some reason (see stateCause), and now we're waiting for a timeout
	// before connecting again. wsConn is nil, but connCtx and connCtxCancel
	// are not, and connLoop is running.
	TransportStateWaitBeforeReconnect

	// TransportStateConnecting means we're calling
	// websocket.DefaultDialer.Dial() right now.
	TransportStateConnecting

	// TransportStateConnected means the websocket connection is established.
	TransportStateConnected
)

const (
	// DefaultReconnectTimeout is how long the transport waits after a
	// disconnection before dialing again. The venue expects a plain fixed
	// delay rather than a backoff curve, so this is also the steady-state
	// retry interval.
	DefaultReconnectTimeout = 5 * time.Second

	backoffIncrement = 500 * time.Millisecond

	// pongWriteWait bounds the control-frame write when answering a ping.
	pongWriteWait = 10 * time.Second
)

var (
	ErrNotConnected   = errors.New("transport error: not connected")
	ErrConnLoopActive = errors.New("transport error: connection loop is already active")
)

// StreamTransportParams contains params for opening a client stream
// connection (see StreamTransportConn)
type StreamTransportParams struct {
	// Server URL, e.g. wss://ws.backpack.exchange
	URL string

	// DisableReconnect, if set, makes the transport stay disconnected after
	// the connection is lost, instead of retrying forever.
	DisableReconnect bool

	// Backoff, if set, grows the retry delay by 500ms per failed attempt, up
	// to MaxReconnectTimeout. The transport still retries indefinitely.
	Backoff             bool
	ReconnectTimeout    time.Duration
	MaxReconnectTimeout time.Duration
}

// StreamTransportConn is a client stream connection; it's typically wrapped
// into a more specific type of connection, e.g. StreamClient, which knows how
// to interpret the data being received.
//
// It owns at most one physical websocket connection at a time; a new
// connection is only dialed after the previous one is fully torn down, so
// events from a superseded connection can never be delivered.
type StreamTransportConn struct {
	params StreamTransportParams

	connTx chan websocketTx

	// Current state
	state TransportState
	// Error caused the current state; only relevant for
	// TransportStateDisconnected and TransportStateWaitBeforeReconnect, for
	// other states it's always nil.
	stateCause error

	// onReadCB, if not nil, is called for each received websocket message.
	onReadCB onReadCallback

	// onStateChangeCB, if not nil, is called for each updated state.
	onStateChangeCB onStateChangeCallback

	// connCtx and connCtxCancel are context and its cancel func for the
	// currently running connLoop. If no connLoop is running at the moment
	// (i.e. the state is TransportStateDisconnected), these are nil.
	connCtx       context.Context
	connCtxCancel context.CancelFunc

	// wsConn is the currently active websocket connection, or nil if no
	// connection is established.
	wsConn *websocket.Conn

	// sessionID identifies the current physical connection; it's regenerated
	// on every successful dial and empty while disconnected. Useful for
	// correlating logs across reconnections.
	sessionID string

	// reconnectNow is a channel which is only non-nil in the
	// TransportStateWaitBeforeReconnect state, and closing it causes the
	// reconnection to happen immediately
	reconnectNow chan struct{}

	// quit is closed by Close; it releases the writeLoop goroutine. The
	// transport is not reusable once closed.
	quit     chan struct{}
	quitOnce sync.Once

	backoff             bool
	reconnectTimeout    time.Duration
	maxReconnectTimeout time.Duration

	mtx sync.Mutex
}

// websocketTx represents message to send to the websocket
type websocketTx struct {
	messageType int
	data        []byte
	res         chan error
}

// NewStreamTransportConn creates a new stream transport connection.
//
// Note that a client should manually call Connect on a newly created
// connection; the rationale is that clients might register state and/or
// message handlers before the connection, to avoid any possible races.
func NewStreamTransportConn(params *StreamTransportParams) (*StreamTransportConn, error) {
	c := &StreamTransportConn{
		// Copy params defensively
		params: *params,

		state:  TransportStateDisconnected,
		connTx: make(chan websocketTx, 1),
		quit:   make(chan struct{}),
	}

	if !c.params.DisableReconnect {
		c.backoff = c.params.Backoff
		c.reconnectTimeout = c.params.ReconnectTimeout
		if c.reconnectTimeout == 0 {
			c.reconnectTimeout = DefaultReconnectTimeout
		}
		c.maxReconnectTimeout = c.params.MaxReconnectTimeout
		if c.maxReconnectTimeout == 0 {
			c.maxReconnectTimeout = 30 * time.Second
		}
	}

	// Start writeLoop right away, before even connecting, so that an attempt
	// to write something while not connected will result in a proper error.
	go c.writeLoop()

	return c, nil
}

// Connect either starts a connection goroutine (if state is
// TransportStateDisconnected), or makes it stop waiting a timeout and connect
// right now (if state is TransportStateWaitBeforeReconnect). For other
// states, returns an error.
//
// It doesn't wait for the connection to establish, and returns immediately.
func (c *StreamTransportConn) Connect() error {
	c.mtx.Lock()

	switch c.state {
	case TransportStateDisconnected:
		// NOTE that we need to enter the state TransportStateConnecting here
		// and not in connLoop, in order to prevent the race which would
		// result in multiple running connLoops.
		notify := c.updateState(TransportStateConnecting, nil)
		connCtx, connCtxCancel := c.connCtx, c.connCtxCancel
		c.mtx.Unlock()

		// Deliver the Connecting notification before connLoop can produce
		// any further ones.
		notify()

		go c.connLoop(connCtx, connCtxCancel)
		return nil

	case TransportStateWaitBeforeReconnect:
		// We're waiting for a timeout before reconnecting; force it to
		// reconnect right now
		close(c.reconnectNow)
		c.mtx.Unlock()
		return nil

	default:
		// Already connected or connecting
		c.mtx.Unlock()
		return errors.Trace(ErrConnLoopActive)
	}
}

// Close stops the reconnection loop, and if a websocket connection is active
// at the moment, closes it as well (with the code 1000, i.e. normal closure).
// If graceful websocket closure fails, the forceful one is performed.
//
// Close is terminal: the transport can't be connected again afterwards.
func (c *StreamTransportConn) Close() error {
	c.mtx.Lock()
	wsConn := c.wsConn

	if c.state == TransportStateDisconnected {
		c.mtx.Unlock()
		c.stop()
		return errors.Trace(ErrNotConnected)
	}

	// Cancel the conn context, which will cause connLoop to quit once the
	// current websocket connection (if any) is closed, instead of scheduling
	// yet another reconnection.
	c.connCtxCancel()
	c.mtx.Unlock()

	c.stop()

	// If websocket connection is active, close it, which will cause connLoop
	// to break out of its receive loop and quit.
	if wsConn != nil {
		data := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := wsConn.WriteControl(websocket.CloseMessage, data, time.Time{}); err != nil {
			// Graceful close failed, try to close forcefully
			return errors.Trace(wsConn.Close())
		}
	}

	return nil
}

func (c *StreamTransportConn) stop() {
	c.quitOnce.Do(func() {
		close(c.quit)
	})
}

// URL returns an url used for connection
func (c *StreamTransportConn) URL() string {
	return c.params.URL
}

// GetState returns connection state
func (c *StreamTransportConn) GetState() TransportState {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

// SessionID returns the id of the current physical connection, or an empty
// string if the transport isn't connected.
func (c *StreamTransportConn) SessionID() string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.sessionID
}

type onReadCallback func(conn *StreamTransportConn, data []byte)
type onStateChangeCallback func(conn *StreamTransportConn, oldState, state TransportState, cause error)

// OnRead sets on-read callback; it should be called once right after creation
// of the StreamTransportConn by a wrapper (like StreamClient), before the
// connection is established.
func (c *StreamTransportConn) OnRead(cb onReadCallback) {
	c.onReadCB = cb
}

func (c *StreamTransportConn) OnStateChange(cb onStateChangeCallback) {
	c.onStateChangeCB = cb
}

// Send sends data as a text frame to the websocket if it's connected
func (c *StreamTransportConn) Send(ctx context.Context, data []byte) error {
	// Note that we don't check here whether the socket is connected,
	// as it's checked by the writeLoop() which will receive our message
	// from c.connTx.

	res := make(chan error)

	// Request the websocket write
	select {
	case c.connTx <- websocketTx{
		messageType: websocket.TextMessage,
		data:        data,
		res:         res,
	}:
	case <-c.quit:
		return errors.Trace(ErrNotConnected)
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}

	select {
	case err := <-res:
		if err != nil {
			return errors.Annotatef(err, "sending msg")
		}
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}

	return nil
}

// enterLeaveState should be called on leaving and entering each state. So,
// when changing state from A to B, it's called twice, like this:
//
//	enterLeaveState(A, false)
//	enterLeaveState(B, true)
func (c *StreamTransportConn) enterLeaveState(state TransportState, enter bool) {
	switch state {

	case TransportStateDisconnected:
		// connCtx and its cancel func should be present in all states but
		// TransportStateDisconnected
		if enter {
			c.connCtx = nil
			c.connCtxCancel = nil
		} else {
			c.connCtx, c.connCtxCancel = context.WithCancel(context.Background())
		}

	case TransportStateWaitBeforeReconnect:
		// reconnectNow is present only in TransportStateWaitBeforeReconnect
		if enter {
			c.reconnectNow = make(chan struct{})
		} else {
			c.reconnectNow = nil
		}

	case TransportStateConnecting:
		// Nothing special to do for the TransportStateConnecting state

	case TransportStateConnected:
		// wsConn and sessionID are present only in TransportStateConnected
		if enter {
			// wsConn and sessionID are set by the calling code
		} else {
			c.wsConn = nil
			c.sessionID = ""
		}
	}
}

func (c *StreamTransportConn) updateState(state TransportState, cause error) func() {
	// NOTE: c.mtx should be locked when updateState is called.
	//
	// The state-change callback itself must not run under c.mtx: the listener
	// typically feeds an event channel, and whoever drains that channel might
	// be blocked in Send, which needs writeLoop, which needs c.mtx. So
	// updateState only returns the notification; the caller invokes it after
	// releasing the lock. All transitions happen sequentially on the connLoop
	// goroutine (plus the initial one in Connect, before connLoop starts), so
	// the delivery order is still the transition order.

	if c.state == state {
		// No need to do anything
		return func() {}
	}

	// Properly leave the current state
	c.enterLeaveState(c.state, false)

	oldState := c.state
	c.state = state
	c.stateCause = cause

	// Properly enter the new state
	c.enterLeaveState(c.state, true)

	cb := c.onStateChangeCB
	if cb == nil {
		return func() {}
	}

	return func() {
		cb(c, oldState, state, cause)
	}
}

// connLoop establishes a connection, then keeps receiving all websocket
// messages (and calls onReadCB for each of them) until the connection is
// closed, then either waits for a timeout and connects again, or just quits.
func (c *StreamTransportConn) connLoop(connCtx context.Context, connCtxCancel context.CancelFunc) {
	var connErr error

	nextReconnectTimeout := c.reconnectTimeout

	defer func() {
		c.mtx.Lock()
		notify := c.updateState(TransportStateDisconnected, connErr)
		c.mtx.Unlock()
		notify()
	}()

cloop:
	for {
		// When the goroutine is just started by Connect(), the state is
		// already TransportStateConnecting (see Connect() for the explanation
		// on why), in which case the updateState below is a no-op. When
		// reconnecting though, the state is different here, so it'll be
		// changed to TransportStateConnecting.
		c.mtx.Lock()
		notify := c.updateState(TransportStateConnecting, nil)
		c.mtx.Unlock()
		notify()

		var wsConn *websocket.Conn
		wsConn, _, connErr = websocket.DefaultDialer.Dial(c.params.URL, nil)

		// The transport might have been closed while the dial was in flight;
		// in that case drop the fresh connection instead of installing it.
		if connErr == nil && connCtx.Err() != nil {
			wsConn.Close()
			connErr = connCtx.Err()
		}

		if connErr == nil {
			// Connected successfully
			nextReconnectTimeout = c.reconnectTimeout

			// The venue pings periodically and drops connections which don't
			// answer; reply right away with the same payload.
			wsConn.SetPingHandler(func(appData string) error {
				return wsConn.WriteControl(
					websocket.PongMessage,
					[]byte(appData),
					time.Now().Add(pongWriteWait),
				)
			})

			c.mtx.Lock()
			c.wsConn = wsConn
			c.sessionID = uuid.New().String()
			notify := c.updateState(TransportStateConnected, nil)
			c.mtx.Unlock()
			notify()

			// Will loop here until the websocket connection is closed
		recvLoop:
			for {
				msgType, data, err := wsConn.ReadMessage()
				if err != nil {
					connErr = err
					break recvLoop
				}

				switch msgType {
				case websocket.TextMessage, websocket.BinaryMessage:
					// Call on-read callback, if any
					if c.onReadCB != nil {
						c.onReadCB(c, data)
					}

				case websocket.CloseMessage:
					break recvLoop
				}
			}
		}

		// If shouldn't reconnect, we're done
		if c.params.DisableReconnect {
			connCtxCancel()
		}

		// Check if we need to enter state TransportStateWaitBeforeReconnect
		select {
		case <-connCtx.Done():
		default:
			// Looks like we should reconnect (after a timeout), so set the
			// appropriate state
			c.mtx.Lock()
			notify := c.updateState(TransportStateWaitBeforeReconnect, connErr)
			c.mtx.Unlock()
			notify()
		}

		// Either wait for the timeout before reconnection, or quit.
	waitReconnect:
		select {
		case <-connCtx.Done():
			// Enough reconnections, quit now.
			break cloop

		case <-time.After(nextReconnectTimeout):
			// Will try to reconnect one more time
			break waitReconnect

		case <-c.reconnectNow:
			// Will try to reconnect one more time
			break waitReconnect
		}

		if c.backoff {
			nextReconnectTimeout += backoffIncrement
			if nextReconnectTimeout > c.maxReconnectTimeout {
				nextReconnectTimeout = c.maxReconnectTimeout
			}
		}
	}
}

// writeLoop receives messages from c.connTx, and tries to send them
// to the active websocket connection, if any. It quits when the transport is
// closed.
func (c *StreamTransportConn) writeLoop() {
cloop:
	for {
		var msg websocketTx
		select {
		case msg = <-c.connTx:
		case <-c.quit:
			return
		}

		// Get currently active websocket connection
		c.mtx.Lock()
		wsConn := c.wsConn
		c.mtx.Unlock()

		if wsConn == nil {
			msg.res <- errors.Trace(ErrNotConnected)
			continue cloop
		}

		// Try to write the message
		err := errors.Trace(wsConn.WriteMessage(msg.messageType, msg.data))

		// Send resulting error to the requester
		msg.res <- err
	}
}
