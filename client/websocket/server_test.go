package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
)

type eventType int

const (
	eventTypeConnOpened eventType = iota
	eventTypeMsg
	eventTypePong
)

// websocketEvent represents an event like new opened connection, new received
// websocket message, or a pong answering our ping
type websocketEvent struct {
	eventType eventType

	// The fields below are only relevant if eventType is eventTypeMsg or
	// eventTypePong
	messageType int
	data        []byte
	err         error
}

// websocketTx represents a message for the test server to send to the client
type websocketTx struct {
	messageType int
	data        []byte
}

type testServerParams struct {
	rx  <-chan websocketEvent
	tx  chan<- websocketTx
	url string

	// closeConn forcefully closes the currently active client connection,
	// simulating a peer- or network-initiated disconnect.
	closeConn func() error
}

// withTestServer runs cb against an httptest websocket server. Everything
// received by the server is delivered to rx, and everything sent to tx is
// sent by the server to the client.
//
// NOTE that only one connection should be active at a time, since currently
// there's no way to receive/send stuff from/to a particular connection in
// case there are many. Sequential connections (as in reconnect tests) are
// fine.
func withTestServer(t *testing.T, cb func(tp *testServerParams) error) error {
	rx := make(chan websocketEvent, 128)
	tx := make(chan websocketTx, 128)

	var mtx sync.Mutex
	var curConn *websocket.Conn

	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		upgrader := websocket.Upgrader{}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		defer ws.Close()

		mtx.Lock()
		curConn = ws
		mtx.Unlock()

		t.Logf("new stream websocket conn is opened")

		ws.SetPongHandler(func(appData string) error {
			rx <- websocketEvent{
				eventType:   eventTypePong,
				messageType: websocket.PongMessage,
				data:        []byte(appData),
			}
			return nil
		})

		rx <- websocketEvent{
			eventType: eventTypeConnOpened,
		}

		go func() {
			for {
				mt, message, err := ws.ReadMessage()

				t.Logf("websocket rx: type=%d, data=%s, err=%v", mt, message, err)

				rx <- websocketEvent{
					eventType: eventTypeMsg,

					messageType: mt,
					data:        message,
					err:         err,
				}

				if err != nil {
					t.Logf("breaking out of Rx loop")
					// Signal tx loop to exit as well
					cancel()
					break
				}
			}
		}()

	txLoop:
		for {
			select {
			case msg := <-tx:
				t.Logf("websocket tx: type=%d, data=%s", msg.messageType, msg.data)

				if err := ws.WriteMessage(msg.messageType, msg.data); err != nil {
					t.Logf("error writing to websocket: %s", err)
					break txLoop
				}
			case <-ctx.Done():
				t.Logf("breaking out of Tx loop")
				break txLoop
			}
		}
	}

	ts := httptest.NewServer(http.HandlerFunc(handler))
	defer ts.Close()

	// Replace the scheme in url to "ws"
	u, err := url.Parse(ts.URL)
	if err != nil {
		return errors.Trace(err)
	}
	u.Scheme = "ws"

	closeConn := func() error {
		mtx.Lock()
		ws := curConn
		mtx.Unlock()

		if ws == nil {
			return errors.New("no active conn to close")
		}

		return ws.Close()
	}

	if err := cb(&testServerParams{
		rx:        rx,
		tx:        tx,
		url:       u.String(),
		closeConn: closeConn,
	}); err != nil {
		return errors.Trace(err)
	}

	return nil
}

// waitConnOpen waits until a new connection is opened to the test server.
// Stray read-error events from a torn-down previous connection are skipped.
func waitConnOpen(t *testing.T, tp *testServerParams) error {
	for {
		select {
		case event := <-tp.rx:
			if event.eventType == eventTypeMsg && event.err != nil {
				continue
			}
			if want := eventTypeConnOpened; event.eventType != want {
				return errors.Errorf("wrong event type: want %v, got %v", want, event.eventType)
			}
			return nil

		case <-time.After(3 * time.Second):
			return errors.New("timed out waiting for a connection")
		}
	}
}

// waitNoConnOpen makes sure no new connection is opened to the test server
// within the given interval.
func waitNoConnOpen(t *testing.T, tp *testServerParams, interval time.Duration) error {
	select {
	case event := <-tp.rx:
		if event.eventType == eventTypeConnOpened {
			return errors.New("got an unexpected connection")
		}
		// Stray events from the previous connection teardown are fine.
		return waitNoConnOpen(t, tp, interval)

	case <-time.After(interval):
		return nil
	}
}

// waitClientMessage waits for the next well-formed message from the client,
// skipping read errors caused by closed connections.
func waitClientMessage(t *testing.T, tp *testServerParams) (*clientMessage, error) {
	for {
		select {
		case event := <-tp.rx:
			if event.eventType != eventTypeMsg {
				return nil, errors.Errorf("wrong event type: want %v, got %v", eventTypeMsg, event.eventType)
			}

			if event.err != nil {
				// Teardown of a previous connection; keep waiting.
				continue
			}

			var cm clientMessage
			if err := json.Unmarshal(event.data, &cm); err != nil {
				return nil, errors.Annotatef(err, "unmarshalling client msg %s", event.data)
			}

			return &cm, nil

		case <-time.After(3 * time.Second):
			return nil, errors.New("timed out waiting for a client message")
		}
	}
}

// waitSubscribeMsg waits for a SUBSCRIBE message with exactly the given
// streams. If signed is true, the message must carry a well-formed 4-element
// signature; otherwise it must carry none.
func waitSubscribeMsg(t *testing.T, tp *testServerParams, streams []string, signed bool) (*clientMessage, error) {
	cm, err := waitClientMessage(t, tp)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if cm.Method != methodSubscribe {
		return nil, errors.Errorf("wrong method: want %q, got %q", methodSubscribe, cm.Method)
	}

	if !reflect.DeepEqual(cm.Params, streams) {
		return nil, errors.Errorf("wrong params: want %v, got %v", streams, cm.Params)
	}

	if !signed {
		if len(cm.Signature) != 0 {
			return nil, errors.Errorf("unexpected signature on a public subscribe: %v", cm.Signature)
		}
		return cm, nil
	}

	if len(cm.Signature) != 4 {
		return nil, errors.Errorf("want a 4-element signature, got %v", cm.Signature)
	}
	for i, v := range cm.Signature {
		if v == "" {
			return nil, errors.Errorf("empty signature element %d: %v", i, cm.Signature)
		}
	}

	return cm, nil
}

// waitUnsubscribeMsg waits for an UNSUBSCRIBE message with exactly the given
// streams.
func waitUnsubscribeMsg(t *testing.T, tp *testServerParams, streams []string) error {
	cm, err := waitClientMessage(t, tp)
	if err != nil {
		return errors.Trace(err)
	}

	if cm.Method != methodUnsubscribe {
		return errors.Errorf("wrong method: want %q, got %q", methodUnsubscribe, cm.Method)
	}

	if !reflect.DeepEqual(cm.Params, streams) {
		return errors.Errorf("wrong params: want %v, got %v", streams, cm.Params)
	}

	return nil
}

// sendStreamMsg sends an inbound data frame for the given stream to the
// client.
func sendStreamMsg(t *testing.T, tp *testServerParams, stream string, data string) {
	tp.tx <- websocketTx{
		messageType: websocket.TextMessage,
		data:        []byte(fmt.Sprintf(`{"stream":%q,"data":%s}`, stream, data)),
	}
}

// stateTracker records all state transitions of a client, so tests can assert
// on the exact sequence.
type stateTracker struct {
	mtx         sync.Mutex
	states      []string
	transitions chan string
}

func newStateTracker(c *StreamClient) *stateTracker {
	st := &stateTracker{
		transitions: make(chan string, 32),
	}

	c.OnStateChange(ConnStateAny, func(oldState, state ConnState, cause error) {
		v := fmt.Sprintf("%s->%s", ConnStateNames[oldState], ConnStateNames[state])

		st.mtx.Lock()
		st.states = append(st.states, v)
		st.mtx.Unlock()

		st.transitions <- v
	})

	return st
}

// expectState waits for the next transition into the given state.
func (st *stateTracker) expectState(state ConnState) error {
	select {
	case v := <-st.transitions:
		want := "->" + ConnStateNames[state]
		if len(v) < len(want) || v[len(v)-len(want):] != want {
			return errors.Errorf("want transition into %q, got %q", ConnStateNames[state], v)
		}
		return nil

	case <-time.After(3 * time.Second):
		return errors.Errorf("timed out waiting for state %q", ConnStateNames[state])
	}
}

// checkStates compares all recorded transitions so far with the given ones.
func (st *stateTracker) checkStates(want []string) error {
	st.mtx.Lock()
	defer st.mtx.Unlock()

	if !reflect.DeepEqual(st.states, want) {
		return errors.Errorf("want states %v, got %v", want, st.states)
	}

	return nil
}
