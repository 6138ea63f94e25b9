/*
Package websocket manages a connection to the Backpack Exchange websocket
stream API.

The venue exposes named streams: public market-data streams like
"bookTicker.SOL_USDC" and private account streams which require a signed
subscription. StreamClient lets you subscribe handlers to any number of
streams over a single persistent connection.

Connecting

Create a client with NewStreamClient, register any listeners and
subscriptions, then call Connect explicitly:

	client, err := websocket.NewStreamClient(&websocket.WSParams{
		APIKey:    apiKey,    // optional, for private streams
		SecretKey: secretKey, // base64 ED25519 seed
	})
	if err != nil {
		// ...
	}

	client.Subscribe([]string{"bookTicker.SOL_USDC"}, func(data json.RawMessage) {
		fmt.Printf("book ticker: %s\n", data)
	})

	if err := client.Connect(); err != nil {
		// ...
	}

Payloads are delivered as raw JSON: the stream set is open-ended and
interpreting the per-stream schema is left to the caller.

Reconnection

The client never gives up on a lost connection: it waits a fixed delay (5
seconds by default, see ReconnectOpts) and dials again, indefinitely. On every
newly established session the current subscription set is replayed, so
handlers keep receiving data across reconnects without any action from the
caller. Only an explicit Close stops the loop.

Private streams

SubscribePrivate signs the subscription request with the client's ED25519 key
pair. Note that, per the venue's protocol, the signed payload covers only the
timestamp and the validity window, not the stream names.
*/
package websocket
