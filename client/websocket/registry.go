package websocket

import (
	"encoding/json"
	"sort"
	"sync"
)

// MessageHandler handles a decoded payload of a single stream message.
//
// Handlers are invoked synchronously on the delivery path, in frame order for
// their stream; a blocked handler will block delivery of subsequent messages
// on the connection. If you need to block, hand the payload off to your own
// goroutine.
type MessageHandler func(data json.RawMessage)

// streamEntry holds everything the registry knows about one stream.
type streamEntry struct {
	// handlers, in registration order. Registering the same handler twice is
	// allowed and results in two invocations per message.
	handlers []MessageHandler

	// private records whether the stream was ever subscribed with
	// authentication; such streams are always re-subscribed signed.
	private bool
}

// streamRegistry is the authoritative mapping of stream name to its
// registered handlers. It is independent of any particular connection and
// survives reconnects: the connection manager replays its contents onto every
// freshly established session.
//
// It's mutated from caller goroutines (subscribe/unsubscribe) and read from
// the event loop (dispatch) and the reconnect path (snapshot), hence the
// mutex.
type streamRegistry struct {
	mtx     sync.Mutex
	streams map[string]*streamEntry
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{
		streams: make(map[string]*streamEntry),
	}
}

// register appends the handler to the stream's handler list, creating the
// entry if needed.
func (r *streamRegistry) register(stream string, handler MessageHandler, private bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	entry := r.streams[stream]
	if entry == nil {
		entry = &streamEntry{}
		r.streams[stream] = entry
	}

	entry.handlers = append(entry.handlers, handler)
	if private {
		entry.private = true
	}
}

// unregister drops each given stream entirely, with all its handlers.
// Unknown streams are ignored.
func (r *streamRegistry) unregister(streams []string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, stream := range streams {
		delete(r.streams, stream)
	}
}

// dispatch invokes every handler registered for the stream, in registration
// order. Messages for unknown streams are silently dropped: control acks and
// the like arrive on streams nobody subscribed to, and that's not an error.
func (r *streamRegistry) dispatch(stream string, data json.RawMessage) {
	r.mtx.Lock()
	entry := r.streams[stream]

	var handlers []MessageHandler
	if entry != nil {
		// Copy the slice so user callbacks run without the registry lock
		// held.
		handlers = make([]MessageHandler, len(entry.handlers))
		copy(handlers, entry.handlers)
	}
	r.mtx.Unlock()

	for _, h := range handlers {
		h(data)
	}
}

// snapshot returns the currently registered stream names, split into public
// and private groups, each sorted. The connection manager uses it to know
// what to re-subscribe after a reconnect.
func (r *streamRegistry) snapshot() (public, private []string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for stream, entry := range r.streams {
		if entry.private {
			private = append(private, stream)
		} else {
			public = append(public, stream)
		}
	}

	sort.Strings(public)
	sort.Strings(private)

	return public, private
}

// activeStreams returns all registered stream names, sorted.
func (r *streamRegistry) activeStreams() []string {
	public, private := r.snapshot()
	all := append(public, private...)
	sort.Strings(all)
	return all
}
