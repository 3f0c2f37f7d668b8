// Pairwatch - Connection Health Supervisor for Device-Paired Messaging
// Copyright 2026 Pairwatch Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pairwatch/pairwatch

// Package bridge implements the WebSocket client to the messaging gateway
// process that owns the device-paired connection.
//
// The gateway speaks a small request/response protocol over a single
// socket: requests carry an id, an op, and op-specific args; responses
// echo the id with ok/data/error. The client correlates responses by id,
// redials lazily after socket loss, and exposes the two collaborator
// surfaces the supervisor needs: the watched connection (liveness,
// disconnect, connect, pairing code) and the operator notification channel
// (open conversation, post message).
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pairwatch/pairwatch/internal/logging"
)

// Gateway operations.
const (
	opStatus     = "status"
	opDisconnect = "disconnect"
	opConnect    = "connect"
	opPair       = "pair"
	opOpenChat   = "open_chat"
	opSend       = "send"
)

// ErrClosed is returned for calls made after Close.
var ErrClosed = errors.New("bridge client closed")

// request is one frame sent to the gateway.
type request struct {
	ID   string         `json:"id"`
	Op   string         `json:"op"`
	Args map[string]any `json:"args,omitempty"`
}

// response is one frame received from the gateway.
type response struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Client is a lazily-dialed WebSocket client to the messaging gateway.
// Safe for concurrent use.
type Client struct {
	url     string
	timeout time.Duration

	mu     sync.Mutex // guards ws lifecycle and writes
	ws     *websocket.Conn
	closed bool

	pendingMu sync.Mutex
	pending   map[string]*pendingCall
}

// pendingCall is one in-flight request. ws records the socket the request
// was written on, so a stale socket's read loop only fails its own calls.
type pendingCall struct {
	ch chan response
	ws *websocket.Conn
}

// NewClient creates a client for the gateway at url. The connection is
// established on first use.
func NewClient(url string, requestTimeout time.Duration) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Client{
		url:     url,
		timeout: requestTimeout,
		pending: make(map[string]*pendingCall),
	}
}

// IsReady reports whether the gateway's upstream messaging connection is
// live and authenticated.
func (c *Client) IsReady(ctx context.Context) (bool, error) {
	data, err := c.call(ctx, opStatus, nil)
	if err != nil {
		return false, err
	}

	var payload struct {
		Ready bool `json:"ready"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return false, fmt.Errorf("decode status: %w", err)
	}
	return payload.Ready, nil
}

// Disconnect tears down the gateway's upstream messaging session. The
// socket to the gateway itself stays up.
func (c *Client) Disconnect(ctx context.Context) error {
	_, err := c.call(ctx, opDisconnect, nil)
	return err
}

// Connect re-establishes the gateway's upstream messaging session.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.call(ctx, opConnect, nil)
	return err
}

// RequestPairingCode asks the gateway for a fresh pairing code bound to
// identity.
func (c *Client) RequestPairingCode(ctx context.Context, identity string) (string, error) {
	data, err := c.call(ctx, opPair, map[string]any{"identity": identity})
	if err != nil {
		return "", err
	}

	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("decode pairing code: %w", err)
	}
	if payload.Code == "" {
		return "", errors.New("gateway returned empty pairing code")
	}
	return payload.Code, nil
}

// OpenConversation resolves target to a chat handle messages can be posted
// to.
func (c *Client) OpenConversation(ctx context.Context, target string) (string, error) {
	data, err := c.call(ctx, opOpenChat, map[string]any{"target": target})
	if err != nil {
		return "", err
	}

	var payload struct {
		ChatID string `json:"chat_id"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("decode chat handle: %w", err)
	}
	if payload.ChatID == "" {
		return "", errors.New("gateway returned empty chat handle")
	}
	return payload.ChatID, nil
}

// PostMessage sends text to a previously opened chat handle.
func (c *Client) PostMessage(ctx context.Context, handle, text string) error {
	_, err := c.call(ctx, opSend, map[string]any{"chat_id": handle, "text": text})
	return err
}

// Close shuts the socket down and fails all pending calls.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	c.failPending()

	if ws != nil {
		return ws.Close()
	}
	return nil
}

// call sends one request and waits for its correlated response or ctx/
// timeout expiry.
func (c *Client) call(ctx context.Context, op string, args map[string]any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	id := uuid.NewString()
	pc := &pendingCall{ch: make(chan response, 1)}

	c.pendingMu.Lock()
	c.pending[id] = pc
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.send(request{ID: id, Op: op, Args: args}, pc); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	case resp, ok := <-pc.ch:
		if !ok {
			return nil, fmt.Errorf("%s: connection lost", op)
		}
		if !resp.OK {
			return nil, fmt.Errorf("%s: gateway error: %s", op, resp.Error)
		}
		return resp.Data, nil
	}
}

// send writes one frame, dialing the gateway first if needed, and records
// the socket used on pc.
func (c *Client) send(req request, pc *pendingCall) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if c.ws == nil {
		ws, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			return fmt.Errorf("dial gateway %s: %w", c.url, err)
		}
		c.ws = ws
		go c.readLoop(ws)
		logging.Debug().Str("url", c.url).Msg("gateway socket connected")
	}

	c.pendingMu.Lock()
	pc.ws = c.ws
	c.pendingMu.Unlock()

	if err := c.ws.WriteJSON(req); err != nil {
		c.dropLocked()
		return fmt.Errorf("write %s: %w", req.Op, err)
	}
	return nil
}

// readLoop dispatches responses to pending callers until the socket fails.
func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		var resp response
		if err := ws.ReadJSON(&resp); err != nil {
			c.mu.Lock()
			if c.ws == ws {
				c.dropLocked()
			}
			closed := c.closed
			c.mu.Unlock()

			if !closed {
				logging.Warn().Err(err).Msg("gateway socket lost")
			}
			// Fail only this socket's calls; requests already in flight
			// on a redialed socket stay pending.
			c.failPendingOn(ws)
			return
		}

		c.pendingMu.Lock()
		pc, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()

		if ok {
			pc.ch <- resp
		}
	}
}

// dropLocked discards the current socket so the next call redials.
// Callers must hold c.mu.
func (c *Client) dropLocked() {
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
}

// failPending closes every pending response channel, waking callers with a
// connection-lost error. Used on Close.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	for id, pc := range c.pending {
		close(pc.ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// failPendingOn fails only the calls written on ws.
func (c *Client) failPendingOn(ws *websocket.Conn) {
	c.pendingMu.Lock()
	for id, pc := range c.pending {
		if pc.ws == ws {
			close(pc.ch)
			delete(c.pending, id)
		}
	}
	c.pendingMu.Unlock()
}
