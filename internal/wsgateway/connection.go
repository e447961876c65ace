// Package wsgateway implements component F of the gateway's design: the
// per-connection handler that owns a session.Machine's single-writer
// discipline, forwards StartGeneration to the generation pump, and
// serializes every outbound protocol.Response onto the socket. Adapted
// from the teacher's pkg/channels/web.WebChannel — the same
// mutex-guarded-write-to-gorilla-websocket shape, generalized from a
// shared per-user connection map into one Connection goroutine group per
// socket, since this gateway has no cross-connection state to share.
package wsgateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"module/internal/chatengine"
	"module/internal/generation"
	"module/internal/logging"
	"module/internal/metrics"
	"module/internal/protocol"
	"module/internal/session"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// safeConn wraps a *websocket.Conn so the write loop and any future second
// writer never interleave frames on the same socket. Grounded on the
// teacher's pkg/channels/web.SafeConn.
type safeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *safeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// inboundEvent is what the read loop hands to the event loop: either a
// successfully parsed Request, or a parse failure to report as an error
// Response. Routing both through one channel keeps outbound writes to a
// single goroutine.
type inboundEvent struct {
	req *protocol.Request
	err *protocol.ParseError
}

// Connection owns one accepted WebSocket's full lifecycle.
type Connection struct {
	id       string
	ws       *safeConn
	machine  *session.Machine
	engine   chatengine.ChatEngine
	executor session.ToolExecutor
	metrics  *metrics.Metrics

	events   chan inboundEvent
	outbound chan protocol.Response
	pumpDone chan generation.Outcome
}

// newConnection wires a freshly upgraded socket to a fresh per-connection
// session.Machine and chatengine.Engine. Per spec.md §6, chat history is
// in-memory and lives only for the connection's lifetime, so engine and
// machine are never shared across connections.
func newConnection(id string, ws *websocket.Conn, machine *session.Machine, engine chatengine.ChatEngine, executor session.ToolExecutor, m *metrics.Metrics, outboundBuffer int) *Connection {
	if outboundBuffer <= 0 {
		outboundBuffer = 32
	}
	return &Connection{
		id:       id,
		ws:       &safeConn{Conn: ws},
		machine:  machine,
		engine:   engine,
		executor: executor,
		metrics:  m,
		events:   make(chan inboundEvent, outboundBuffer),
		outbound: make(chan protocol.Response, outboundBuffer),
		pumpDone: make(chan generation.Outcome, 1),
	}
}

// Run drives the connection until the socket closes or ctx is cancelled.
// It returns once every goroutine belonging to this connection has
// exited.
func (c *Connection) Run(ctx context.Context) error {
	ctx = logging.WithConnectionID(ctx, c.id)
	g, gctx := errgroup.WithContext(ctx)

	if c.metrics != nil {
		c.metrics.ActiveConnections.Inc()
		defer c.metrics.ActiveConnections.Dec()
	}

	// Force the blocking ReadMessage call to return as soon as the group
	// context ends, regardless of which goroutine caused that.
	closeOnce := sync.Once{}
	closeConn := func() { closeOnce.Do(func() { c.ws.Close() }) }
	go func() {
		<-gctx.Done()
		closeConn()
	}()

	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop() })
	g.Go(func() error { return c.eventLoop(gctx) })

	err := g.Wait()
	closeConn()
	if err != nil {
		slog.DebugContext(ctx, "connection closed", "error", err)
	} else {
		slog.DebugContext(ctx, "connection closed")
	}
	return nil
}

// readLoop decodes inbound text frames and hands them to the event loop.
// Ping/pong frames never reach here (gorilla answers them internally);
// binary frames are silently discarded per spec.md §4.A.
func (c *Connection) readLoop(ctx context.Context) error {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		req, err := protocol.Parse(data)
		var ev inboundEvent
		if err != nil {
			parseErr, _ := err.(*protocol.ParseError)
			ev = inboundEvent{err: parseErr}
		} else {
			ev = inboundEvent{req: req}
		}

		select {
		case c.events <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

// writeLoop serializes every outbound Response in order. It returns when
// outbound is closed, which only the event loop does, and only after
// every other sender has finished.
func (c *Connection) writeLoop() error {
	for resp := range c.outbound {
		data, err := protocol.Serialize(resp)
		if err != nil {
			slog.Error("failed to serialize response", "error", err, "request_id", resp.RequestID)
			continue
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
	}
	return nil
}

// eventLoop is the single-writer serial executor spec.md §4.D and §9
// require: it is the only goroutine that ever calls a mutating method on
// session.Machine.
func (c *Connection) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.drainAndClose()
			return ctx.Err()

		case ev := <-c.events:
			if ev.err != nil {
				reqID := ev.err.RecoveredID
				if reqID == "" {
					reqID = "unknown"
				}
				c.outbound <- protocol.Response{RequestID: reqID, Response: protocol.TextResponse(""), Error: ev.err.Reason}
				continue
			}

			responses, sg := c.machine.HandleRequest(ctx, ev.req)
			for _, r := range responses {
				c.outbound <- r
			}
			if sg != nil {
				go c.runGeneration(ctx, sg)
			}

		case outcome := <-c.pumpDone:
			c.applyOutcome(outcome)
		}
	}
}

// drainAndClose is reached when the connection context ends. If a
// generation is in flight it is cancelled and awaited so its final
// Complete marker is still written; only then is outbound closed. Per
// spec.md §4.F, a graceful close follows the generation's final marker
// when one is in flight, otherwise the close is immediate.
func (c *Connection) drainAndClose() {
	if c.machine.State() == session.StateGenerating {
		if h := c.machine.Cancel(); h != nil {
			h.Signal()
		}
		select {
		case outcome := <-c.pumpDone:
			c.applyOutcome(outcome)
		case <-time.After(10 * time.Second):
			slog.Warn("generation did not report its outcome before shutdown timeout")
		}
	}
	close(c.outbound)
}

func (c *Connection) applyOutcome(outcome generation.Outcome) {
	switch outcome.Kind {
	case generation.OutcomeIdle:
		c.machine.EnterIdle()
		c.recordOutcome(outcome)
	case generation.OutcomeWaitingToolConfirm:
		c.machine.EnterWaitingToolConfirm(outcome.Pending.ToolCallID, outcome.Pending.Name, outcome.Pending.Arguments)
	case generation.OutcomeWaitingTurnConfirm:
		c.machine.EnterWaitingTurnConfirm()
	}
}

func (c *Connection) recordOutcome(outcome generation.Outcome) {
	if c.metrics == nil {
		return
	}
	switch {
	case outcome.Failed:
		c.metrics.Generations.WithLabelValues(metrics.OutcomeError).Inc()
	case outcome.Interrupted:
		c.metrics.Generations.WithLabelValues(metrics.OutcomeInterrupted).Inc()
	default:
		c.metrics.Generations.WithLabelValues(metrics.OutcomeCompleted).Inc()
	}
}

// runGeneration drives one generation to completion or suspension. It is
// the only writer to outbound besides the event loop itself, and the
// event loop never closes outbound while this goroutine might still be
// running: it always waits for the unconditional pumpDone send below
// before doing so.
func (c *Connection) runGeneration(ctx context.Context, sg *session.StartGeneration) {
	outcome := generation.Run(ctx, c.engine, c.executor, c.metrics, sg, func(r protocol.Response) {
		c.outbound <- r
	})
	c.pumpDone <- outcome
}
