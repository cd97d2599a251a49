package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Message type tags on the wire.
const (
	messageTypeResult = "result"
	messageTypeEvent  = "event"
)

// envelope is the minimal client→server message frame. Command parameters
// stay in the raw message and are decoded per handler.
type envelope struct {
	MessageID *int64 `json:"message_id"`
	Command   string `json:"command"`
}

// response is the server→client result frame.
type response struct {
	MessageID   int64      `json:"message_id"`
	MessageType string     `json:"message_type"`
	Command     string     `json:"command,omitempty"`
	Success     bool       `json:"success"`
	Result      any        `json:"result,omitempty"`
	Error       *wireError `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handlerFunc executes one command. It returns the result payload or an
// error; the dispatcher turns either into the command's single response.
type handlerFunc func(ctx context.Context, c *Client, raw json.RawMessage) (any, error)

// Dispatcher validates inbound command messages and routes them to
// registered handlers. Handlers run concurrently, one goroutine per accepted
// command; every accepted command produces exactly one response.
type Dispatcher struct {
	handlers map[string]handlerFunc
	hub      *Hub
	logger   *slog.Logger
	ctx      context.Context
	wg       sync.WaitGroup
}

func newDispatcher(ctx context.Context, hub *Hub, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]handlerFunc),
		hub:      hub,
		logger:   logger.With("component", "dispatcher"),
		ctx:      ctx,
	}
}

// register adds a command handler. Registering the same command twice is a
// programming error and fails fast at startup.
func (d *Dispatcher) register(command string, fn handlerFunc) {
	if _, dup := d.handlers[command]; dup {
		panic(fmt.Sprintf("command %q registered twice", command))
	}
	d.handlers[command] = fn
}

// Handle processes one raw inbound message from a connection. Envelope and
// validation failures are answered locally; accepted commands run on their
// own goroutine so a long-running handler never blocks the read loop.
func (d *Dispatcher) Handle(c *Client, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		d.respondError(c, 0, "", cmdErrf(errMalformedMessage, "unable to parse message: %v", err))
		return
	}
	if env.MessageID == nil {
		d.respondError(c, 0, env.Command, cmdErrf(errMalformedMessage, "message_id is required"))
		return
	}
	id := *env.MessageID
	if env.Command == "" {
		d.respondError(c, id, "", cmdErrf(errMalformedMessage, "command is required"))
		return
	}

	ok, dup := c.beginCommand(id)
	if dup {
		d.respondError(c, id, env.Command, cmdErrf(errDuplicateCommandID,
			"message id %d already in flight on this connection", id))
		return
	}
	if !ok {
		// Connection already closed; there is no one to respond to.
		return
	}

	fn, known := d.handlers[env.Command]
	if !known {
		c.endCommand(id)
		d.respondError(c, id, env.Command, cmdErrf(errUnknownCommandType, "unknown command %q", env.Command))
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(c, id, env.Command, fn, data)
	}()
}

// run executes the handler and emits the command's single response. Panics
// are converted to InternalError so one bad handler cannot take down the
// connection or its siblings.
func (d *Dispatcher) run(c *Client, id int64, command string, fn handlerFunc, raw json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic", "command", command, "panic", r)
			c.endCommand(id)
			d.respondError(c, id, command, cmdErrf(errInternalError, "internal error handling %q", command))
		}
	}()

	result, err := fn(d.ctx, c, raw)
	c.endCommand(id)
	if err != nil {
		d.respondError(c, id, command, toCommandError(err))
		return
	}
	d.respond(c, response{
		MessageID:   id,
		MessageType: messageTypeResult,
		Command:     command,
		Success:     true,
		Result:      result,
	})
}

func (d *Dispatcher) respondError(c *Client, id int64, command string, cmdErr *CommandError) {
	d.logger.Debug("command failed", "client", c.ID(), "command", command, "code", cmdErr.Code, "err", cmdErr.Message)
	d.respond(c, response{
		MessageID:   id,
		MessageType: messageTypeResult,
		Command:     command,
		Success:     false,
		Error:       &wireError{Code: cmdErr.Code, Message: cmdErr.Message},
	})
}

func (d *Dispatcher) respond(c *Client, resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		d.logger.Error("marshal response", "err", err)
		return
	}
	if !c.trySend(data) {
		if !c.isClosed() {
			// Send queue full: the connection cannot keep up, drop it.
			d.hub.drop(c)
		}
		d.logger.Debug("response dropped, client gone", "client", c.ID())
	}
}

// wait blocks until all in-flight handlers have finished.
func (d *Dispatcher) wait() {
	d.wg.Wait()
}
