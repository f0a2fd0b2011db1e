// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package coordinator implements the client side of the collection
// control protocol: a JSON message bus, subscribed for transitions
// (connect/configure/enable/disable/unconfigure/disconnect/reset) and
// replying with one push message per transition, mirroring
// CollectionApp's handleConnect/handlePhase1/handleDisconnect/
// handleReset dispatch and its createMsg/reply helpers.
package coordinator // import "github.com/bhill-slac/lcls2/coordinator"

import (
	"context"
	"encoding/json"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/push"
	"go.nanomsg.org/mangos/v3/protocol/sub"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"
	"golang.org/x/xerrors"
)

// Transition keys dispatched from handlePhase1 / the top-level
// transition messages.
const (
	KeyConnect     = "connect"
	KeyConfigure   = "configure"
	KeyUnconfigure = "unconfigure"
	KeyEnable      = "enable"
	KeyDisable     = "disable"
	KeyDisconnect  = "disconnect"
	KeyReset       = "reset"
)

// Header is the envelope every transition message and reply carries.
type Header struct {
	MsgId    string `json:"msg_id"`
	Key      string `json:"key"`
	SenderId uint32 `json:"sender_id"`
}

// Message is one transition request or reply.
type Message struct {
	Header Header          `json:"header"`
	Body   json.RawMessage `json:"body"`
}

// Handler implements the application-specific reaction to each
// transition. A non-nil error becomes an "error" key in the reply
// body, matching TebApp's body["error"] = "..." convention.
type Handler interface {
	HandleConnect(body json.RawMessage) error
	HandlePhase1(key string, body json.RawMessage) error
	HandleDisconnect(body json.RawMessage) error
	HandleReset(body json.RawMessage) error
}

// Client is the collection-facing side of one TEB instance: a SUB
// socket receiving transitions and a PUSH socket sending replies.
type Client struct {
	id      uint32
	sub     mangos.Socket
	push    mangos.Socket
	handler Handler
}

// Dial subscribes to subAddr for transitions and connects to pushAddr
// to send replies, both nanomsg PUB/SUB and PUSH/PULL endpoints
// exposed by the collection manager.
func Dial(subAddr, pushAddr string, id uint32, handler Handler) (*Client, error) {
	s, err := sub.NewSocket()
	if err != nil {
		return nil, xerrors.Errorf("coordinator: could not create sub socket: %w", err)
	}
	if err := s.SetOption(mangos.OptionSubscribe, []byte("")); err != nil {
		s.Close()
		return nil, xerrors.Errorf("coordinator: could not subscribe: %w", err)
	}
	if err := s.Dial(subAddr); err != nil {
		s.Close()
		return nil, xerrors.Errorf("coordinator: could not dial sub %q: %w", subAddr, err)
	}

	p, err := push.NewSocket()
	if err != nil {
		s.Close()
		return nil, xerrors.Errorf("coordinator: could not create push socket: %w", err)
	}
	if err := p.Dial(pushAddr); err != nil {
		s.Close()
		p.Close()
		return nil, xerrors.Errorf("coordinator: could not dial push %q: %w", pushAddr, err)
	}

	return &Client{id: id, sub: s, push: p, handler: handler}, nil
}

// Close releases both sockets.
func (c *Client) Close() error {
	err1 := c.sub.Close()
	err2 := c.push.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Run receives transitions and dispatches them to the Handler until
// ctx is canceled or a receive fails.
func (c *Client) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	msgc := make(chan Message)
	go func() {
		for {
			raw, err := c.sub.Recv()
			if err != nil {
				errc <- err
				return
			}
			var msg Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			msgc <- msg
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return xerrors.Errorf("coordinator: receive failed: %w", err)
		case msg := <-msgc:
			c.dispatch(msg)
		}
	}
}

func (c *Client) dispatch(msg Message) {
	var err error
	switch msg.Header.Key {
	case KeyConnect:
		err = c.handler.HandleConnect(msg.Body)
	case KeyDisconnect:
		err = c.handler.HandleDisconnect(msg.Body)
	case KeyReset:
		err = c.handler.HandleReset(msg.Body)
	default:
		err = c.handler.HandlePhase1(msg.Header.Key, msg.Body)
	}

	body := map[string]interface{}{}
	if err != nil {
		body["error"] = err.Error()
	}
	_ = c.Reply(msg.Header.Key, msg.Header.MsgId, body)
}

// Reply pushes a reply message with the given transition key, echoing
// msgId, and the given body.
func (c *Client) Reply(key, msgId string, body interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return xerrors.Errorf("coordinator: could not marshal reply body: %w", err)
	}
	msg := Message{
		Header: Header{MsgId: msgId, Key: key, SenderId: c.id},
		Body:   b,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return xerrors.Errorf("coordinator: could not marshal reply: %w", err)
	}
	if err := c.push.Send(raw); err != nil {
		return xerrors.Errorf("coordinator: could not send reply: %w", err)
	}
	return nil
}
