// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"
)

type fakeHandler struct {
	connected    chan json.RawMessage
	phase1Keys   chan string
	disconnected chan json.RawMessage
	failPhase1   bool
}

func (h *fakeHandler) HandleConnect(body json.RawMessage) error {
	h.connected <- body
	return nil
}

func (h *fakeHandler) HandlePhase1(key string, body json.RawMessage) error {
	h.phase1Keys <- key
	if h.failPhase1 {
		return errFake
	}
	return nil
}

func (h *fakeHandler) HandleDisconnect(body json.RawMessage) error {
	h.disconnected <- body
	return nil
}

func (h *fakeHandler) HandleReset(body json.RawMessage) error { return nil }

var errFake = &fakeError{"boom"}

type fakeError struct{ msg string }

func (e *fakeError) Error() string { return e.msg }

func mustSend(t *testing.T, sock mangos.Socket, msg Message) {
	t.Helper()
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %+v", err)
	}
	if err := sock.Send(b); err != nil {
		t.Fatalf("Send: %+v", err)
	}
}

func TestConnectDispatchAndReply(t *testing.T) {
	pubSock, err := pub.NewSocket()
	if err != nil {
		t.Fatalf("pub.NewSocket: %+v", err)
	}
	defer pubSock.Close()
	if err := pubSock.Listen("tcp://127.0.0.1:40801"); err != nil {
		t.Fatalf("Listen: %+v", err)
	}

	pullSock, err := pull.NewSocket()
	if err != nil {
		t.Fatalf("pull.NewSocket: %+v", err)
	}
	defer pullSock.Close()
	if err := pullSock.Listen("tcp://127.0.0.1:40802"); err != nil {
		t.Fatalf("Listen: %+v", err)
	}
	if err := pullSock.SetOption(mangos.OptionRecvDeadline, 2*time.Second); err != nil {
		t.Fatalf("SetOption: %+v", err)
	}

	h := &fakeHandler{connected: make(chan json.RawMessage, 1), phase1Keys: make(chan string, 1), disconnected: make(chan json.RawMessage, 1)}
	c, err := Dial("tcp://127.0.0.1:40801", "tcp://127.0.0.1:40802", 7, h)
	if err != nil {
		t.Fatalf("Dial: %+v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// Give the subscriber time to establish before publishing; nanomsg
	// PUB/SUB drops messages published before a subscriber connects.
	time.Sleep(200 * time.Millisecond)

	mustSend(t, pubSock, Message{Header: Header{MsgId: "1", Key: KeyConnect}, Body: []byte(`{"teb":{}}`)})

	select {
	case body := <-h.connected:
		if string(body) != `{"teb":{}}` {
			t.Fatalf("connected body=%s", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for HandleConnect")
	}

	raw, err := pullSock.Recv()
	if err != nil {
		t.Fatalf("Recv: %+v", err)
	}
	var reply Message
	if err := json.Unmarshal(raw, &reply); err != nil {
		t.Fatalf("Unmarshal: %+v", err)
	}
	if got, want := reply.Header.Key, KeyConnect; got != want {
		t.Fatalf("reply.Header.Key=%q, want %q", got, want)
	}
	if got, want := reply.Header.MsgId, "1"; got != want {
		t.Fatalf("reply.Header.MsgId=%q, want %q", got, want)
	}
	if got, want := reply.Header.SenderId, uint32(7); got != want {
		t.Fatalf("reply.Header.SenderId=%d, want %d", got, want)
	}
}

func TestPhase1ErrorSurfacesInReply(t *testing.T) {
	pubSock, err := pub.NewSocket()
	if err != nil {
		t.Fatalf("pub.NewSocket: %+v", err)
	}
	defer pubSock.Close()
	if err := pubSock.Listen("tcp://127.0.0.1:40803"); err != nil {
		t.Fatalf("Listen: %+v", err)
	}

	pullSock, err := pull.NewSocket()
	if err != nil {
		t.Fatalf("pull.NewSocket: %+v", err)
	}
	defer pullSock.Close()
	if err := pullSock.Listen("tcp://127.0.0.1:40804"); err != nil {
		t.Fatalf("Listen: %+v", err)
	}
	if err := pullSock.SetOption(mangos.OptionRecvDeadline, 2*time.Second); err != nil {
		t.Fatalf("SetOption: %+v", err)
	}

	h := &fakeHandler{connected: make(chan json.RawMessage, 1), phase1Keys: make(chan string, 1), disconnected: make(chan json.RawMessage, 1), failPhase1: true}
	c, err := Dial("tcp://127.0.0.1:40803", "tcp://127.0.0.1:40804", 1, h)
	if err != nil {
		t.Fatalf("Dial: %+v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	time.Sleep(200 * time.Millisecond)
	mustSend(t, pubSock, Message{Header: Header{MsgId: "2", Key: KeyConfigure}, Body: []byte(`{}`)})

	select {
	case key := <-h.phase1Keys:
		if key != KeyConfigure {
			t.Fatalf("phase1 key=%q, want %q", key, KeyConfigure)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for HandlePhase1")
	}

	raw, err := pullSock.Recv()
	if err != nil {
		t.Fatalf("Recv: %+v", err)
	}
	var reply Message
	if err := json.Unmarshal(raw, &reply); err != nil {
		t.Fatalf("Unmarshal: %+v", err)
	}
	var body map[string]string
	if err := json.Unmarshal(reply.Body, &body); err != nil {
		t.Fatalf("Unmarshal body: %+v", err)
	}
	if body["error"] != "boom" {
		t.Fatalf("body[error]=%q, want %q", body["error"], "boom")
	}
}
