package websocket

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/juju/errors"
)

// defaultSignWindow is the signature validity window, in milliseconds.
const defaultSignWindow = 5000

// StreamAuth is the authentication tuple attached to a signed SUBSCRIBE
// message.
type StreamAuth struct {
	APIKey    string
	Signature string
	Timestamp string
	Window    string
}

// wire returns the tuple in the 4-element array form the venue expects.
func (a *StreamAuth) wire() []string {
	return []string{a.APIKey, a.Signature, a.Timestamp, a.Window}
}

// signSubscribe builds the authentication tuple for a private subscribe
// batch. The signed string is
//
//	instruction=subscribe&timestamp=<ts>&window=<window>
//
// Note that per the venue's protocol the signed string does not include the
// stream names: the same signature authenticates any stream set at that
// timestamp. That's how the venue defines it, not something to fix here.
//
// When credentials are not configured, signSubscribe returns (nil, nil):
// that's a normal state, not an error, and the caller decides whether an
// unsigned request is acceptable. The secret key is the base64 of an ED25519
// seed (or of a full private key); bad key material is an error.
func signSubscribe(apiKey, secretKey string, timestamp, window int64) (*StreamAuth, error) {
	if apiKey == "" || secretKey == "" {
		return nil, nil
	}

	if window == 0 {
		window = defaultSignWindow
	}

	keyData, err := base64.StdEncoding.DecodeString(secretKey)
	if err != nil {
		return nil, errors.Annotatef(err, "base64-decoding the secret key")
	}

	var privKey ed25519.PrivateKey
	switch len(keyData) {
	case ed25519.SeedSize:
		privKey = ed25519.NewKeyFromSeed(keyData)
	case ed25519.PrivateKeySize:
		privKey = ed25519.PrivateKey(keyData)
	default:
		return nil, errors.Errorf("secret key must be a base64-encoded ed25519 seed or private key")
	}

	payload := fmt.Sprintf("instruction=subscribe&timestamp=%d&window=%d", timestamp, window)
	signature := ed25519.Sign(privKey, []byte(payload))

	return &StreamAuth{
		APIKey:    apiKey,
		Signature: base64.StdEncoding.EncodeToString(signature),
		Timestamp: fmt.Sprintf("%d", timestamp),
		Window:    fmt.Sprintf("%d", window),
	}, nil
}
