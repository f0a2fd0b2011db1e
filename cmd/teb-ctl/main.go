// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command teb-ctl is a small interactive console standing in for the
// collection manager during manual testing: it publishes transition
// messages on the same bus a trigger event builder subscribes to and
// prints back whatever replies arrive on the pull side.
package main // import "github.com/bhill-slac/lcls2/cmd/teb-ctl"

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/bhill-slac/lcls2/coordinator"
	"github.com/peterh/liner"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"
)

const historyFile = ".teb-ctl_history"

func main() {
	log.SetPrefix("teb-ctl: ")
	log.SetFlags(0)

	var (
		pubAddr  = flag.String("pub", "tcp://127.0.0.1:29980", "address to publish transitions on")
		pullAddr = flag.String("pull", "tcp://127.0.0.1:29981", "address to receive replies on")
	)
	flag.Parse()

	c, err := newConsole(*pubAddr, *pullAddr)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	defer c.close()

	c.run()
}

type console struct {
	pubSock  mangos.Socket
	pullSock mangos.Socket
	line     *liner.State
	msgId    int
}

func newConsole(pubAddr, pullAddr string) (*console, error) {
	p, err := pub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("teb-ctl: could not create pub socket: %w", err)
	}
	if err := p.Listen(pubAddr); err != nil {
		p.Close()
		return nil, fmt.Errorf("teb-ctl: could not listen on %q: %w", pubAddr, err)
	}

	pl, err := pull.NewSocket()
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("teb-ctl: could not create pull socket: %w", err)
	}
	if err := pl.Listen(pullAddr); err != nil {
		p.Close()
		pl.Close()
		return nil, fmt.Errorf("teb-ctl: could not listen on %q: %w", pullAddr, err)
	}

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	return &console{pubSock: p, pullSock: pl, line: line}, nil
}

func (c *console) close() {
	if f, err := os.Create(historyFile); err == nil {
		c.line.WriteHistory(f)
		f.Close()
	}
	c.line.Close()
	c.pubSock.Close()
	c.pullSock.Close()
}

func (c *console) run() {
	go c.drainReplies()

	fmt.Println("teb-ctl: connect|configure <alias>|enable|disable|unconfigure|disconnect|reset|quit")
	for {
		text, err := c.line.Prompt("teb-ctl> ")
		if err != nil {
			if err != liner.ErrPromptAborted {
				fmt.Println()
			}
			return
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		c.line.AppendHistory(text)

		if text == "quit" || text == "exit" {
			return
		}
		if err := c.dispatch(text); err != nil {
			fmt.Fprintf(os.Stderr, "teb-ctl: %+v\n", err)
		}
	}
}

func (c *console) dispatch(text string) error {
	fields := strings.Fields(text)
	key := fields[0]

	var body interface{}
	switch key {
	case coordinator.KeyConnect:
		body = map[string]interface{}{
			"teb": map[string]interface{}{"0": map[string]interface{}{"teb_id": 0, "connect_info": map[string]string{"nic_ip": "127.0.0.1"}}},
			"drp": map[string]interface{}{},
			"meb": map[string]interface{}{},
		}
	case coordinator.KeyConfigure:
		alias := "default"
		if len(fields) > 1 {
			alias = fields[1]
		}
		body = map[string]interface{}{"alias": alias}
	case coordinator.KeyEnable, coordinator.KeyDisable, coordinator.KeyUnconfigure,
		coordinator.KeyDisconnect, coordinator.KeyReset:
		body = map[string]interface{}{}
	default:
		return fmt.Errorf("unknown transition %q", key)
	}

	return c.publish(key, body)
}

func (c *console) publish(key string, body interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("could not marshal body: %w", err)
	}
	c.msgId++
	msg := coordinator.Message{
		Header: coordinator.Header{MsgId: strconv.Itoa(c.msgId), Key: key},
		Body:   b,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("could not marshal message: %w", err)
	}
	return c.pubSock.Send(raw)
}

func (c *console) drainReplies() {
	for {
		raw, err := c.pullSock.Recv()
		if err != nil {
			return
		}
		var msg coordinator.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		fmt.Printf("\n<- %s reply from id=%d: %s\n", msg.Header.Key, msg.Header.SenderId, string(msg.Body))
	}
}
