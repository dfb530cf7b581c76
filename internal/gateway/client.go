package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chapohq/chapo/internal/agent"
	"github.com/chapohq/chapo/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024

	// sendBuffer bounds the per-client outbound queue. A client that cannot
	// keep up loses the connection, not the gateway.
	sendBuffer = 256
)

// Client is one WebSocket connection. Reads happen on Run's goroutine;
// writes are serialized through the send channel.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send      chan []byte
	closeOnce sync.Once

	mu         sync.RWMutex
	subscribed map[string]bool
}

func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:         uuid.NewString(),
		conn:       conn,
		server:     server,
		send:       make(chan []byte, sendBuffer),
		subscribed: make(map[string]bool),
	}
}

// Subscribed reports whether the client receives events for the session.
func (c *Client) Subscribed(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribed[sessionID]
}

func (c *Client) subscribe(sessionID string) {
	c.mu.Lock()
	c.subscribed[sessionID] = true
	c.mu.Unlock()
}

// SendEvent queues an event frame. Frames to a full queue are dropped with a
// warning; the replay watermark lets the client recover them.
func (c *Client) SendEvent(ev *protocol.EventFrame) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("event marshal failed", "type", ev.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("client send buffer full, dropping event",
			"client", c.id, "session", ev.SessionID, "seq", ev.Seq)
	}
}

func (c *Client) sendResponse(resp *protocol.ResponseFrame) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("response marshal failed", "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-time.After(writeWait):
		slog.Warn("client response dropped", "client", c.id)
	}
}

// Close terminates the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

// Run drives the connection: a write pump goroutine plus the read loop.
// Returns when the peer disconnects or ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("client read error", "client", c.id, "error", err)
			}
			return
		}

		var cmd protocol.CommandFrame
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.sendResponse(protocol.NewErrorResponse("", "malformed command frame"))
			continue
		}
		c.handleCommand(ctx, cmd)
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleCommand routes one command frame. Loop-driving commands run on their
// own goroutine; events stream while they work and the response frame closes
// them out.
func (c *Client) handleCommand(ctx context.Context, cmd protocol.CommandFrame) {
	if cmd.SessionID == "" && cmd.Command != protocol.CommandPing {
		c.sendResponse(protocol.NewErrorResponse(cmd.RequestID, "sessionId required"))
		return
	}

	switch cmd.Command {
	case protocol.CommandHello:
		c.handleHello(ctx, cmd)

	case protocol.CommandRequest:
		var p protocol.RequestPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Message == "" {
			c.sendResponse(protocol.NewErrorResponse(cmd.RequestID, "request needs a message"))
			return
		}
		if !c.server.rateLimiter.Allow(c.id) {
			c.sendResponse(protocol.NewErrorResponse(cmd.RequestID, "rate limit exceeded"))
			return
		}
		c.subscribe(cmd.SessionID)
		go func() {
			req := agent.RunRequest{
				SessionID:      cmd.SessionID,
				Message:        p.Message,
				ProjectRoot:    p.ProjectRoot,
				SelfValidation: p.SelfValidation,
			}
			if p.MaxIterations > 0 {
				req.MaxIterations = &p.MaxIterations
			}
			res := c.server.loop.Run(ctx, req)
			c.sendResponse(protocol.NewResponse(cmd.RequestID, res))
		}()

	case protocol.CommandQuestion:
		var p protocol.QuestionPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Answer == "" {
			c.sendResponse(protocol.NewErrorResponse(cmd.RequestID, "question needs questionId and answer"))
			return
		}
		c.subscribe(cmd.SessionID)
		go func() {
			res := c.server.loop.ResumeQuestion(ctx, cmd.SessionID, p.QuestionID, p.Answer)
			c.sendResponse(protocol.NewResponse(cmd.RequestID, res))
		}()

	case protocol.CommandApproval:
		var p protocol.ApprovalPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.ApprovalID == "" {
			c.sendResponse(protocol.NewErrorResponse(cmd.RequestID, "approval needs approvalId"))
			return
		}
		c.subscribe(cmd.SessionID)
		go func() {
			res := c.server.loop.ResolveApproval(ctx, cmd.SessionID, p.ApprovalID, p.Approved)
			c.sendResponse(protocol.NewResponse(cmd.RequestID, res))
		}()

	case protocol.CommandPing:
		c.sendResponse(protocol.NewResponse(cmd.RequestID, map[string]any{"pong": true}))

	default:
		c.sendResponse(protocol.NewErrorResponse(cmd.RequestID, "unknown command: "+cmd.Command))
	}
}

// handleHello replays missed events from the watermark, then serves live
// delivery. Live delivery starts before the replay snapshot is taken; an
// event emitted in between arrives twice and the client drops it by seq.
func (c *Client) handleHello(ctx context.Context, cmd protocol.CommandFrame) {
	var p protocol.HelloPayload
	if len(cmd.Payload) > 0 {
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			c.sendResponse(protocol.NewErrorResponse(cmd.RequestID, "malformed hello payload"))
			return
		}
	}

	c.subscribe(cmd.SessionID)
	events, err := c.server.sessions.ReplaySince(ctx, cmd.SessionID, p.SinceSeq)
	if err != nil {
		c.sendResponse(protocol.NewErrorResponse(cmd.RequestID, "replay failed: "+err.Error()))
		return
	}
	for _, ev := range events {
		c.SendEvent(ev)
	}

	state := c.server.sessions.Snapshot(cmd.SessionID)
	c.sendResponse(protocol.NewResponse(cmd.RequestID, map[string]any{
		"replayed":    len(events),
		"lastSeq":     state.LastSeq,
		"phase":       state.Phase,
		"activeAgent": state.ActiveAgent,
		"protocol":    protocol.ProtocolVersion,
	}))
}
