package websocket

import (
	"encoding/json"

	"github.com/juju/errors"
)

// Wire method names, as the venue expects them.
const (
	methodSubscribe   = "SUBSCRIBE"
	methodUnsubscribe = "UNSUBSCRIBE"
)

// clientMessage is an outbound subscription request:
//
//	{"method":"SUBSCRIBE","params":["bookTicker.SOL_USDC"],"signature":[...]}
//
// Signature is only present on signed (private) subscribe batches, as a
// 4-element array: api key, signature, timestamp, window.
type clientMessage struct {
	Method    string   `json:"method"`
	Params    []string `json:"params"`
	Signature []string `json:"signature,omitempty"`
}

// streamMessage is an inbound data frame:
//
//	{"stream":"bookTicker.SOL_USDC","data":{...}}
//
// Data is kept raw; interpreting payloads is up to the subscriber.
type streamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func marshalClientMessage(method string, streams []string, auth *StreamAuth) ([]byte, error) {
	cm := clientMessage{
		Method: method,
		Params: streams,
	}

	if auth != nil {
		cm.Signature = auth.wire()
	}

	data, err := json.Marshal(&cm)
	if err != nil {
		return nil, errors.Annotatef(err, "marshalling %s msg", method)
	}

	return data, nil
}

// unmarshalStreamMessage decodes an inbound frame. Frames which aren't JSON
// objects, or which lack the stream or data fields, are reported as errors;
// the caller drops them without touching the connection.
func unmarshalStreamMessage(data []byte) (*streamMessage, error) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.Annotatef(err, "unmarshalling stream msg")
	}

	if msg.Stream == "" {
		return nil, errors.Errorf("stream msg without a stream field: %s", data)
	}

	// NOTE: an explicit "data":null still passes, as the raw literal "null";
	// only a frame with no data field at all is dropped.
	if msg.Data == nil {
		return nil, errors.Errorf("stream msg without a data field: %s", data)
	}

	return &msg, nil
}
