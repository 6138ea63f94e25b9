package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/backpack-exchange/bpx-sdk-go/internal"
)

const defaultURL = "wss://ws.backpack.exchange"

// The following errors are returned from StreamClient.
var (
	// ErrNotConnected means the connection is not established when the client
	// tried to e.g. close the connection.
	ErrNotConnected = errors.New("not connected")

	// ErrConnLoopActive means the client tried to connect when the client is
	// already connecting.
	ErrConnLoopActive = errors.New("connection loop is already active")

	// ErrClosed means the method was called after Close; a closed client
	// can't be used again.
	ErrClosed = errors.New("client is closed")

	// ErrNoCredentials is returned from SubscribePrivate when the client was
	// created without an API key pair. Private streams can't be subscribed
	// unsigned, so this is reported to the caller instead of being sent.
	ErrNoCredentials = errors.New("private streams require api and secret keys")

	// ErrNoStreams means Subscribe or Unsubscribe was called with an empty
	// stream list.
	ErrNoStreams = errors.New("no streams given")
)

// WSParams contains options for opening a websocket connection.
type WSParams struct {
	// APIKey and SecretKey sign subscriptions to private streams. They are
	// optional: public market-data streams don't need them. SecretKey is the
	// base64-encoded ED25519 seed of the key pair registered with the venue.
	APIKey    string
	SecretKey string

	// URL is the URL to connect to over websockets. You will not have to set
	// this unless testing against a non-production environment since a
	// default is always used.
	URL string

	// ReconnectOpts contains settings for how to reconnect if the client
	// becomes disconnected. Sensible defaults are used.
	ReconnectOpts *ReconnectOpts
}

// ReconnectOpts are settings used to reconnect after being disconnected. By
// default the client reconnects forever, waiting a fixed 5 seconds between
// attempts; that's the venue's expected policy. Backoff can be enabled on
// top, but there is no way to make the client give up on its own: the only
// thing that stops reconnection is Close.
type ReconnectOpts struct {
	// DisableReconnect switch: if true, the client will stay disconnected
	// once the connection is lost.
	DisableReconnect bool

	// Reconnection backoff: if true, then the reconnection delay starts at
	// ReconnectTimeout and grows by 500ms on each unsuccessful connection
	// attempt, up to MaxReconnectTimeout.
	Backoff bool

	// Delay before a reconnection attempt; defaults to 5 seconds.
	ReconnectTimeout time.Duration

	// Max reconnect timeout, only relevant with Backoff. If zero, then 30
	// seconds will be used.
	MaxReconnectTimeout time.Duration
}

// ConnState represents the websocket connection state
type ConnState int

// The following constants represent every possible ConnState.
const (
	// ConnStateDisconnected means we're disconnected and not trying to
	// connect. The connection loop is not running.
	ConnStateDisconnected ConnState = iota

	// ConnStateWaitBeforeReconnect means we already tried to connect, but
	// then either the connection failed, or succeeded but later disconnected
	// for some reason (see the cause given to state listeners), and now we're
	// waiting for a timeout before connecting again.
	ConnStateWaitBeforeReconnect

	// ConnStateConnecting means we're dialing the venue right now.
	ConnStateConnecting

	// ConnStateConnected means the websocket connection is established and
	// registered streams have been replayed onto it.
	ConnStateConnected

	// ConnStateAny can be used with OnStateChange and OnStateChangeOpt in
	// order to listen for all states.
	ConnStateAny = -1
)

// ConnStateNames contains human-readable names for connection states.
var ConnStateNames = map[ConnState]string{
	ConnStateDisconnected:        "disconnected",
	ConnStateWaitBeforeReconnect: "wait-before-reconnect",
	ConnStateConnecting:          "connecting",
	ConnStateConnected:           "connected",
}

// StateCallback is a signature of a state listener. Arguments prevState and
// curState are self-descriptive; cause is the error which caused the current
// state. Cause is relevant only for ConnStateDisconnected and
// ConnStateWaitBeforeReconnect (in which case it's either the reason of
// failure to connect, or reason of disconnection), for other states it's
// always nil.
type StateCallback func(prevState, curState ConnState, cause error)

type StateListenerOpt struct {
	// If OneOff is true, the listener will only be called once; otherwise
	// it'll be called every time the requested state becomes active.
	OneOff bool

	// If CallImmediately is true, and the state being subscribed to is active
	// at the moment, the callback will be called immediately (with the "old"
	// state being equal to the new one)
	CallImmediately bool
}

// ConnClosedCallback defines the callback function for OnConnClosed.
type ConnClosedCallback func(state ConnState, cause error)

// OnErrorCB is a signature of an error listener. If disconnecting is true,
// the connection is being dropped because of that error; otherwise the error
// was non-fatal to the connection (e.g. a malformed inbound frame, which is
// dropped).
type OnErrorCB func(err error, disconnecting bool)

// StreamClient maintains a persistent connection to the venue's stream API,
// routes inbound messages to subscribed handlers, and replays the
// subscription set onto every freshly established session.
//
// Typically you will get an instance using NewStreamClient, register any
// state or error listeners you might need, subscribe handlers, and call
// Connect. All client state lives on a single internal goroutine (the event
// loop); listeners and handlers are only ever invoked from it, so they are
// never called concurrently with each other.
type StreamClient struct {
	params WSParams

	registry *streamRegistry

	transport *internal.StreamTransportConn

	// Current state; only touched by the event loop.
	state      ConnState
	stateCause error

	// closed is set by the Close request; once the transport reports the
	// final disconnection, the event loop exits instead of scheduling
	// anything else.
	closed bool

	stateListeners map[ConnState][]stateListener

	// onErrorCBs is guarded by mtx: error listeners are usually registered
	// before Connect, but nothing prevents doing it later.
	onErrorCBs []OnErrorCB

	// internalEvents is a channel of events handled by eventLoop. See
	// internalEvent struct.
	internalEvents chan internalEvent

	// stopped is closed when the event loop exits; public methods fail with
	// ErrClosed instead of blocking on a dead loop.
	stopped chan struct{}

	mtx sync.Mutex
}

// internalEvent represents an event handled in eventLoop. Each field
// represents one kind of the event, and only a single field should be
// non-nil.
type internalEvent struct {
	// rxData contains data received from the server via websocket.
	rxData []byte

	// transportStateUpdate represents an update of transport layer state.
	transportStateUpdate *transportStateUpdate

	reqAddStateListener *reqAddStateListener
	reqConnState        *reqConnState
	reqSubscribe        *reqSubscribe
	reqUnsubscribe      *reqUnsubscribe
	reqClose            *reqClose
}

type reqAddStateListener struct {
	state ConnState
	cb    StateCallback
	opt   StateListenerOpt

	result chan<- struct{}
}

type reqConnState struct {
	result chan<- ConnState
}

type reqSubscribe struct {
	streams []string
	handler MessageHandler
	private bool

	result chan<- error
}

type reqUnsubscribe struct {
	streams []string

	result chan<- error
}

type reqClose struct {
	result chan<- error
}

// transportStateUpdate is an update of transport layer state.
type transportStateUpdate struct {
	oldState internal.TransportState
	state    internal.TransportState

	cause error
}

// NewStreamClient creates a new StreamClient with the given params.
//
// Note that clients should manually call Connect on a newly created client;
// the rationale is that callers might register state listeners and subscribe
// handlers before the connection, to avoid any possible races.
func NewStreamClient(params *WSParams) (*StreamClient, error) {
	p := *params

	if p.URL == "" {
		p.URL = defaultURL
	}

	if p.ReconnectOpts == nil {
		p.ReconnectOpts = &ReconnectOpts{}
	}

	transport, err := internal.NewStreamTransportConn(&internal.StreamTransportParams{
		URL: p.URL,

		DisableReconnect:    p.ReconnectOpts.DisableReconnect,
		Backoff:             p.ReconnectOpts.Backoff,
		ReconnectTimeout:    p.ReconnectOpts.ReconnectTimeout,
		MaxReconnectTimeout: p.ReconnectOpts.MaxReconnectTimeout,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	c := &StreamClient{
		params:         p,
		registry:       newStreamRegistry(),
		transport:      transport,
		stateListeners: make(map[ConnState][]stateListener),
		internalEvents: make(chan internalEvent, 8),
		stopped:        make(chan struct{}),
	}

	transport.OnStateChange(
		func(_ *internal.StreamTransportConn, oldTransportState, transportState internal.TransportState, cause error) {
			c.internalEvents <- internalEvent{
				transportStateUpdate: &transportStateUpdate{
					oldState: oldTransportState,
					state:    transportState,
					cause:    cause,
				},
			}
		},
	)

	transport.OnRead(
		func(_ *internal.StreamTransportConn, data []byte) {
			c.internalEvents <- internalEvent{
				rxData: data,
			}
		},
	)

	go c.eventLoop()

	return c, nil
}

// Connect either starts a connection goroutine (if state is
// ConnStateDisconnected), or makes it connect immediately, ignoring the
// reconnection timeout (if the state is ConnStateWaitBeforeReconnect). For
// other states, this returns an error.
//
// Connect doesn't wait for the connection to establish; it returns
// immediately.
func (c *StreamClient) Connect() (err error) {
	select {
	case <-c.stopped:
		return errors.Trace(ErrClosed)
	default:
	}

	defer func() {
		// Translate internal transport errors to public ones
		if errors.Cause(err) == internal.ErrConnLoopActive {
			err = errors.Trace(ErrConnLoopActive)
		}
	}()

	if err := c.transport.Connect(); err != nil {
		return errors.Trace(err)
	}

	return nil
}

// Subscribe registers the handler for every given stream and requests the
// venue to start delivering their messages. The same stream can be subscribed
// any number of times; every registered handler is invoked, in registration
// order, for each of the stream's messages.
//
// Subscribe is safe to call before the connection is established: the
// registry of subscriptions is authoritative, and the whole of it is
// (re)played onto every newly established session. The call doesn't wait for
// a network round trip.
func (c *StreamClient) Subscribe(streams []string, handler MessageHandler) error {
	return c.subscribe(streams, handler, false)
}

// SubscribePrivate is like Subscribe, for private (account) streams: the
// subscribe request is signed with the client's API key pair. It fails with
// ErrNoCredentials when the client has no keys configured; an unsigned
// private subscription is never sent.
//
// A stream once subscribed via SubscribePrivate stays signed for the client's
// lifetime: re-subscriptions after reconnects are signed again.
func (c *StreamClient) SubscribePrivate(streams []string, handler MessageHandler) error {
	return c.subscribe(streams, handler, true)
}

func (c *StreamClient) subscribe(streams []string, handler MessageHandler, private bool) error {
	result := make(chan error, 1)

	select {
	case c.internalEvents <- internalEvent{
		reqSubscribe: &reqSubscribe{
			streams: streams,
			handler: handler,
			private: private,
			result:  result,
		},
	}:
	case <-c.stopped:
		return errors.Trace(ErrClosed)
	}

	// internalEvents is buffered, so the event might have been accepted even
	// though the loop is already gone; don't wait on a reply which will never
	// come.
	select {
	case err := <-result:
		return err
	case <-c.stopped:
		return errors.Trace(ErrClosed)
	}
}

// Unsubscribe requests the venue to stop delivering messages for the given
// streams, and drops all their handlers (even ones added by separate
// Subscribe calls). Unsubscribing a stream that was never subscribed is not
// an error.
func (c *StreamClient) Unsubscribe(streams []string) error {
	result := make(chan error, 1)

	select {
	case c.internalEvents <- internalEvent{
		reqUnsubscribe: &reqUnsubscribe{
			streams: streams,
			result:  result,
		},
	}:
	case <-c.stopped:
		return errors.Trace(ErrClosed)
	}

	select {
	case err := <-result:
		return err
	case <-c.stopped:
		return errors.Trace(ErrClosed)
	}
}

// Close stops the reconnection loop and closes the active connection, if any.
// It is terminal: no reconnection is attempted after an explicit Close, the
// internal goroutines are released, and any further calls on the client
// return ErrClosed.
func (c *StreamClient) Close() (err error) {
	result := make(chan error, 1)

	select {
	case c.internalEvents <- internalEvent{
		reqClose: &reqClose{
			result: result,
		},
	}:
	case <-c.stopped:
		return errors.Trace(ErrClosed)
	}

	select {
	case err := <-result:
		return err
	case <-c.stopped:
		return errors.Trace(ErrClosed)
	}
}

// OnError registers a callback which will be called on all errors. When it's
// an error about disconnection, the OnError callbacks are called before the
// state listeners.
func (c *StreamClient) OnError(cb OnErrorCB) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.onErrorCBs = append(c.onErrorCBs, cb)
}

// OnStateChange registers a new listener for the given state. The listener is
// registered with the default options (zero values of all fields in
// StateListenerOpt). All registered callbacks for all states (and all stream
// handlers, see Subscribe) are called by the same internal goroutine, i.e.
// they are never called concurrently with each other.
//
// The order of listeners invocation for the same state is unspecified, and
// clients shouldn't rely on it.
//
// The listeners shouldn't block; a blocked listener will cause the whole
// stream connection to stuck. If you need to block there, consider spawning a
// goroutine for that.
//
// To subscribe to all state changes, use ConnStateAny as a state.
func (c *StreamClient) OnStateChange(state ConnState, cb StateCallback) {
	c.OnStateChangeOpt(state, cb, StateListenerOpt{})
}

// OnStateChangeOpt is like OnStateChange, but also takes additional options;
// see StateListenerOpt for details.
func (c *StreamClient) OnStateChangeOpt(state ConnState, cb StateCallback, opt StateListenerOpt) {
	result := make(chan struct{})

	select {
	case c.internalEvents <- internalEvent{
		reqAddStateListener: &reqAddStateListener{
			state: state,
			cb:    cb,
			opt:   opt,

			result: result,
		},
	}:
	case <-c.stopped:
		return
	}

	select {
	case <-result:
	case <-c.stopped:
	}
}

// OnConnClosed allows the client to set a callback for when the connection is
// lost. The new state of the client could be ConnStateDisconnected or
// ConnStateWaitBeforeReconnect.
func (c *StreamClient) OnConnClosed(cb ConnClosedCallback) {
	c.OnStateChange(ConnStateDisconnected, func(_, curState ConnState, cause error) {
		cb(curState, cause)
	})
	c.OnStateChange(ConnStateWaitBeforeReconnect, func(_, curState ConnState, cause error) {
		cb(curState, cause)
	})
}

// GetSubscriptions returns a sorted slice of the currently registered stream
// names.
func (c *StreamClient) GetSubscriptions() []string {
	return c.registry.activeStreams()
}

// ConnState returns current client connection state.
func (c *StreamClient) ConnState() ConnState {
	result := make(chan ConnState, 1)

	select {
	case c.internalEvents <- internalEvent{
		reqConnState: &reqConnState{
			result: result,
		},
	}:
	case <-c.stopped:
		return ConnStateDisconnected
	}

	select {
	case state := <-result:
		return state
	case <-c.stopped:
		return ConnStateDisconnected
	}
}

// URL returns the url the client is connected to, e.g.
// wss://ws.backpack.exchange.
func (c *StreamClient) URL() string {
	return c.params.URL
}

// SessionID returns the id of the current physical connection, or an empty
// string when disconnected. Ids are unique per connection, so they can be
// used to correlate logs across reconnects.
func (c *StreamClient) SessionID() string {
	return c.transport.SessionID()
}

// stateListener wraps a state change callback and its options (one-off
// listeners are only called once, on the next event)
type stateListener struct {
	cb  StateCallback
	opt StateListenerOpt
}

type callStateListenersReq struct {
	listeners       []stateListener
	oldState, state ConnState
	cause           error
}

// NOTE: updateState should only be called from the eventLoop.
func (c *StreamClient) updateState(state ConnState, cause error) {
	if c.state == state {
		// No need to do anything
		return
	}

	oldState := c.state
	c.state = state
	c.stateCause = cause

	// Collect all listeners to call now
	listeners := append(c.stateListeners[state], c.stateListeners[ConnStateAny]...)

	// Remove one-off listeners
	c.stateListeners[state] = removeOneOff(c.stateListeners[state])
	c.stateListeners[ConnStateAny] = removeOneOff(c.stateListeners[ConnStateAny])

	c.callStateListeners(&callStateListenersReq{
		listeners: listeners,
		oldState:  oldState,
		state:     state,
		cause:     cause,
	})
}

// removeOneOff takes a slice of listeners and returns a new one, with one-off
// listeners removed.
func removeOneOff(listeners []stateListener) []stateListener {
	newListeners := []stateListener{}

	for _, sl := range listeners {
		if !sl.opt.OneOff {
			newListeners = append(newListeners, sl)
		}
	}

	return newListeners
}

// NOTE: subscribeInternal should only be called from eventLoop.
func (c *StreamClient) subscribeInternal(streams []string, handler MessageHandler, private bool) error {
	if len(streams) == 0 {
		return errors.Trace(ErrNoStreams)
	}

	var auth *StreamAuth
	if private {
		var err error
		auth, err = signSubscribe(
			c.params.APIKey, c.params.SecretKey,
			time.Now().UnixMilli(), defaultSignWindow,
		)
		if err != nil {
			return errors.Trace(err)
		}

		// Refuse to register or send anything rather than subscribe a
		// private stream unsigned.
		if auth == nil {
			return errors.Trace(ErrNoCredentials)
		}
	}

	for _, stream := range streams {
		c.registry.register(stream, handler, private)
	}

	if c.state != ConnStateConnected {
		// Not connected yet: the registry will be replayed when the
		// connection is established.
		return nil
	}

	if err := c.sendClientMessage(methodSubscribe, streams, auth); err != nil {
		if errors.Cause(err) == internal.ErrNotConnected {
			// The connection went away between the state update and the
			// send; the upcoming reconnect replays the registry.
			return nil
		}
		return errors.Annotatef(err, "subscribe")
	}

	return nil
}

// NOTE: unsubscribeInternal should only be called from eventLoop.
func (c *StreamClient) unsubscribeInternal(streams []string) error {
	if len(streams) == 0 {
		return errors.Trace(ErrNoStreams)
	}

	var sendErr error
	if c.state == ConnStateConnected {
		sendErr = c.sendClientMessage(methodUnsubscribe, streams, nil)
		if errors.Cause(sendErr) == internal.ErrNotConnected {
			sendErr = nil
		}
	}

	// The registry is dropped regardless of the send outcome: a dead
	// connection can't deliver those streams anyway, and they won't be
	// replayed after a reconnect.
	c.registry.unregister(streams)

	if sendErr != nil {
		return errors.Annotatef(sendErr, "unsubscribe")
	}

	return nil
}

// resubscribe replays the whole registry onto a freshly established session:
// one SUBSCRIBE for the public group and one signed SUBSCRIBE for the private
// group. The signature is computed fresh, at replay time.
//
// NOTE: resubscribe should only be called from eventLoop.
func (c *StreamClient) resubscribe() {
	public, private := c.registry.snapshot()

	if len(public) > 0 {
		if err := c.sendClientMessage(methodSubscribe, public, nil); err != nil {
			c.callOnErrorCBs(errors.Annotatef(err, "resubscribe"), false)
		}
	}

	if len(private) > 0 {
		auth, err := signSubscribe(
			c.params.APIKey, c.params.SecretKey,
			time.Now().UnixMilli(), defaultSignWindow,
		)
		if err == nil && auth == nil {
			// Can't happen normally: private streams are only accepted into
			// the registry when credentials are configured.
			err = errors.Trace(ErrNoCredentials)
		}
		if err != nil {
			c.callOnErrorCBs(errors.Annotatef(err, "resubscribe"), false)
			return
		}

		if err := c.sendClientMessage(methodSubscribe, private, auth); err != nil {
			c.callOnErrorCBs(errors.Annotatef(err, "resubscribe"), false)
		}
	}
}

func (c *StreamClient) sendClientMessage(method string, streams []string, auth *StreamAuth) error {
	data, err := marshalClientMessage(method, streams, auth)
	if err != nil {
		return errors.Trace(err)
	}

	if err := c.transport.Send(context.Background(), data); err != nil {
		return errors.Trace(err)
	}

	return nil
}

// eventLoop handles all internal events like transport state change, received
// data, or client requests. It quits once the client is closed and the
// transport has reported the final disconnection. See internalEvent struct.
func (c *StreamClient) eventLoop() {
	defer close(c.stopped)

	for {
		event := <-c.internalEvents

		if tsu := event.transportStateUpdate; tsu != nil {
			// Transport layer state changed. Transport states translate
			// 1-to-1 to client-level states: there is no separate
			// authentication phase on this venue, since authentication rides
			// on the SUBSCRIBE message itself.

			var state ConnState
			switch tsu.state {
			case internal.TransportStateDisconnected:
				state = ConnStateDisconnected
			case internal.TransportStateWaitBeforeReconnect:
				state = ConnStateWaitBeforeReconnect
			case internal.TransportStateConnecting:
				state = ConnStateConnecting
			case internal.TransportStateConnected:
				state = ConnStateConnected
			default:
				// Should never be here
				continue
			}

			if tsu.cause != nil {
				c.callOnErrorCBs(errors.Trace(tsu.cause), true)
			}

			c.updateState(state, errors.Trace(tsu.cause))

			if state == ConnStateConnected {
				c.resubscribe()
			}

			// After an explicit Close, the final disconnection shuts the
			// loop down; nothing will ever reconnect it.
			if c.closed && state == ConnStateDisconnected {
				return
			}
		} else if data := event.rxData; data != nil {
			// Received a frame; decode and route it. Malformed frames are
			// reported and dropped, they never bring the connection down.

			msg, err := unmarshalStreamMessage(data)
			if err != nil {
				c.callOnErrorCBs(errors.Trace(err), false)
				continue
			}

			c.registry.dispatch(msg.Stream, msg.Data)
		} else if al := event.reqAddStateListener; al != nil {
			sl := stateListener{
				cb:  al.cb,
				opt: al.opt,
			}

			// Determine whether the callback should be called right now
			callNow := al.opt.CallImmediately && (al.state == c.state || al.state == ConnStateAny)

			// Update stored listeners if needed
			if !al.opt.OneOff || !callNow {
				c.stateListeners[al.state] = append(c.stateListeners[al.state], sl)
			}

			if callNow {
				c.callStateListeners(&callStateListenersReq{
					listeners: []stateListener{sl},
					oldState:  c.state,
					state:     c.state,
					cause:     c.stateCause,
				})
			}

			al.result <- struct{}{}
		} else if req := event.reqConnState; req != nil {
			req.result <- c.state
		} else if req := event.reqSubscribe; req != nil {
			req.result <- c.subscribeInternal(req.streams, req.handler, req.private)
		} else if req := event.reqUnsubscribe; req != nil {
			req.result <- c.unsubscribeInternal(req.streams)
		} else if req := event.reqClose; req != nil {
			c.closed = true

			err := c.transport.Close()
			if errors.Cause(err) == internal.ErrNotConnected {
				// The transport wasn't connected, so no disconnection event
				// is coming; quit right away.
				req.result <- errors.Trace(ErrNotConnected)
				return
			}

			req.result <- errors.Trace(err)

			// The loop keeps draining events until the transport reports
			// TransportStateDisconnected, then exits (see above).
		}
	}
}

// NOTE: callStateListeners should only be called from the eventLoop, to
// ensure that all callbacks are only invoked from a single goroutine.
func (c *StreamClient) callStateListeners(req *callStateListenersReq) {
	for _, sl := range req.listeners {
		sl.cb(req.oldState, req.state, req.cause)
	}
}

// NOTE: callOnErrorCBs should only be called from the eventLoop.
func (c *StreamClient) callOnErrorCBs(err error, disconnecting bool) {
	c.mtx.Lock()
	cbs := make([]OnErrorCB, len(c.onErrorCBs))
	copy(cbs, c.onErrorCBs)
	c.mtx.Unlock()

	for _, cb := range cbs {
		cb(err, disconnecting)
	}
}
