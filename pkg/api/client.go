// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

// Client is a middleman between the ws connection and the Hub.
type Client struct {
	Hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	// ID of the user
	id string

	// View state of the signed in user
	session *Session

	mu     sync.Mutex
	closed bool
}

func NewClient(hub *Hub, conn *websocket.Conn, send chan []byte, id string) *Client {
	return &Client{
		Hub:  hub,
		conn: conn,
		send: send,
		id:   id,
	}
}

// Attach binds the session that serves this connection. It must be called
// before the pumps start.
func (c *Client) Attach(session *Session) {
	c.session = session
}

// Emit queues event for the browser. It never blocks: when the buffer is
// full the event is dropped.
func (c *Client) Emit(event OutgoingEvent) {
	message, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("type", event.Type).Msg("Could not process outgoing event")
		return
	}
	c.write(message)
}

func (c *Client) write(message []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- message:
	default:
		log.Warn().Str("uid", c.id).Msg("Client send buffer is full, dropping event")
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// endSession ends the client after its participant logged out.
func (c *Client) endSession() {
	if c.session != nil && !c.session.Closed() {
		c.Emit(OutgoingEvent{Type: EventLogout})
		c.session.Close()
	}
	c.closeSend()
}

// ReadPump pumps messages from the ws connection to the session.
//
// The application runs ReadPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadPump() {
	defer func() {
		if c.session != nil {
			c.session.Close()
		}
		c.Hub.leave(c)
		err := c.conn.Close()
		if err != nil {
			log.Debug().Err(err).Msg("Could not close network connection")
		}
	}()
	c.conn.SetReadLimit(maxMessageSize)
	err := c.conn.SetReadDeadline(time.Now().Add(pongWait))
	if err != nil {
		log.Error().Err(err).Msg("Unable to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		err := c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if err != nil {
			log.Error().Err(err).Msg("Unable to set read deadline")
			return err
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("uid", c.id).Msg("Unexpected websocket close")
			}
			return
		}
		message = bytes.TrimSpace(bytes.Replace(message, newline, space, -1))

		var incomingEvent IncomingEvent
		if err := json.Unmarshal(message, &incomingEvent); err != nil {
			log.Warn().Err(err).Msg("Could not process message")
			continue
		}

		if done := c.dispatch(incomingEvent); done {
			return
		}
	}
}

// dispatch applies one browser event to the session and reports whether
// the connection should be closed.
func (c *Client) dispatch(incomingEvent IncomingEvent) bool {
	switch incomingEvent.RequestType {
	case RequestSelectContact:
		err := c.session.Select(incomingEvent.ContactId)
		switch {
		case err == nil:
		case errors.Is(err, ErrSelfConversation), errors.Is(err, ErrUnknownContact), errors.Is(err, context.Canceled):
			log.Debug().Err(err).Str("contactId", incomingEvent.ContactId).Msg("Ignoring contact selection")
		default:
			log.Error().Err(err).Str("uid", c.id).Str("contactId", incomingEvent.ContactId).Msg("Unable to open conversation")
		}
	case RequestKeystroke:
		c.session.Keystroke()
	case RequestSendMessage:
		// Failed writes are logged by the synchronizer; a limited send
		// already produced its toast.
		c.session.Send(incomingEvent.Text)
	case RequestFilterRoster:
		c.session.Filter(incomingEvent.Query)
	case RequestLogout:
		// Every tab stops writing presence before the offline write.
		c.Hub.Logout(c.id)
		if err := c.session.Logout(); err != nil {
			log.Warn().Err(err).Str("uid", c.id).Msg("Logged out without updating online status")
		}
		return true
	}
	return false
}

// WritePump pumps messages from the Hub to the ws connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Add queued events to the current ws message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write(newline)
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
