package transport

import "github.com/yuuki/rdmamsg/internal/chunk"

// Event is delivered to a Handler. It is one of Accepted, Connected or
// Received.
type Event interface {
	Connection() *Connection
	isEvent()
}

// Accepted is raised on the server once an incoming connection is accepted.
type Accepted struct {
	Conn *Connection
}

// Connected is raised on the client once a connection is established.
type Connected struct {
	Conn *Connection
}

// Received is raised for every message delivered on a connection. Chunk is
// only valid for the duration of the handler call; it is handed back to the
// hardware as soon as the handler returns.
type Received struct {
	Conn  *Connection
	Chunk *chunk.Chunk
}

func (e Accepted) Connection() *Connection  { return e.Conn }
func (e Connected) Connection() *Connection { return e.Conn }
func (e Received) Connection() *Connection  { return e.Conn }

func (Accepted) isEvent()  {}
func (Connected) isEvent() {}
func (Received) isEvent()  {}

// Handler consumes transport events. HandleEvent runs on the goroutine that
// observed the event (the handshake goroutine for Accepted and Connected, a
// completion worker for Received) and must not block. It may send on the
// connection, call Finish or Close it.
type Handler interface {
	HandleEvent(ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev Event)

// HandleEvent calls f(ev).
func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }

// nopHandler drops every event.
type nopHandler struct{}

func (nopHandler) HandleEvent(Event) {}
