// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transport implements the reliable message/RDMA-style
// abstraction used to move contributions and result batches between
// the trigger event builder and its peers. Real deployments of the
// system this module reimplements use libfabric RDMA writes with a
// completion queue; no such binding is available to this module's
// ecosystem, so the same two roles (poster/pender), the same
// completion-queue poll/wait tradeoff, and the same immediate-data
// addressing scheme are implemented over plain TCP connections, with
// a small control handshake (modeled on eda/server.go's JSON control
// protocol) negotiating each link and a binary data-plane frame
// (modeled on dif/decoder.go's byte-level framing) carrying posted
// writes.
package transport // import "github.com/bhill-slac/lcls2/transport"

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/xerrors"
)

// Errors returned by CQ.Pend and Link.Post.
var (
	ErrWouldBlock  = xerrors.New("transport: would block")
	ErrNotConnected = xerrors.New("transport: not connected")
	ErrQueueFull   = xerrors.New("transport: queue full")
)

// Completion is one completion-queue entry: a 64-bit immediate data
// word composed by wire.ImmValue.
type Completion struct {
	Immediate uint64
}

// CQ is a completion queue shared by every link owned by one Server or
// Client. It offers two access modes, selected per call: poll (tmo==0,
// non-blocking) and wait (tmo>0, blocks up to tmo for the next entry).
type CQ struct {
	entries chan Completion
	closed  chan struct{}
	once    sync.Once
}

// NewCQ creates a completion queue with room for depth pending entries.
func NewCQ(depth int) *CQ {
	return &CQ{
		entries: make(chan Completion, depth),
		closed:  make(chan struct{}),
	}
}

// push enqueues a completion. While the queue is full it blocks until
// an entry is consumed or the queue is closed; the caller sizes depth
// at construction to the expected in-flight credits.
func (q *CQ) push(c Completion) {
	select {
	case q.entries <- c:
	case <-q.closed:
	}
}

// Pend returns the next completion. tmo == 0 polls without blocking;
// tmo > 0 blocks up to tmo for an entry to arrive.
func (q *CQ) Pend(tmo time.Duration) (Completion, error) {
	select {
	case c := <-q.entries:
		return c, nil
	default:
	}

	if tmo <= 0 {
		select {
		case c := <-q.entries:
			return c, nil
		case <-q.closed:
			return Completion{}, ErrNotConnected
		default:
			return Completion{}, ErrWouldBlock
		}
	}

	timer := time.NewTimer(tmo)
	defer timer.Stop()
	select {
	case c := <-q.entries:
		return c, nil
	case <-q.closed:
		return Completion{}, ErrNotConnected
	case <-timer.C:
		return Completion{}, ErrWouldBlock
	}
}

// Close marks the queue as disconnected; further Pend calls return
// ErrNotConnected once drained, mirroring the fabric's NOT_CONNECTED
// probe result used by the main loop as a termination condition.
func (q *CQ) Close() {
	q.once.Do(func() { close(q.closed) })
}

const (
	frameHandshake = 1
	framePost      = 2
)

type handshake struct {
	LocalId uint32 `json:"local_id"`
}

// Link is a single logical point-to-point channel to one peer.
type Link struct {
	mu   sync.Mutex
	conn net.Conn
	w    *bufio.Writer

	id           uint32 // peer id as negotiated
	isPoster     bool
	region       []byte // pender-side: the region peers write into
	remoteBase   uint64 // poster-side: synthetic remote base for logging
	cq           *CQ
	autoRepost   bool // contribution-receiving links auto-replenish credits
	credits      int
	credCond     *sync.Cond
	retryBudget  int
}

// Id returns the peer id negotiated for this link.
func (l *Link) Id() uint32 { return l.id }

// RmtAdx returns a (synthetic, logging-only) remote address for
// offset, since this transport has no real remote-addressable memory.
func (l *Link) RmtAdx(offset int) uint64 {
	return l.remoteBase + uint64(offset)
}

func newLink(conn net.Conn, cq *CQ) *Link {
	l := &Link{
		conn:        conn,
		w:           bufio.NewWriter(conn),
		cq:          cq,
		retryBudget: 3,
	}
	l.credCond = sync.NewCond(&l.mu)
	return l
}

// preparePoster registers region for remote write (kept so the local
// buffer backing posted writes is known) and completes the handshake
// with the pender, learning the peer id used in subsequent Id() calls
// and logging.
func (l *Link) preparePoster(localId uint32, region []byte) error {
	l.mu.Lock()
	l.isPoster = true
	l.region = region
	l.mu.Unlock()

	enc := json.NewEncoder(l.conn)
	if err := enc.Encode(handshake{LocalId: localId}); err != nil {
		return xerrors.Errorf("transport: poster handshake send failed: %w", err)
	}
	var peer handshake
	if err := json.NewDecoder(l.conn).Decode(&peer); err != nil {
		return xerrors.Errorf("transport: poster handshake recv failed: %w", err)
	}

	l.mu.Lock()
	l.id = peer.LocalId
	l.remoteBase = uint64(peer.LocalId) << 32
	l.mu.Unlock()

	return nil
}

// preparePender exchanges the pender-side descriptor so posters can
// write into this process's region, then starts the background reader
// that turns incoming post frames into completion-queue entries.
func (l *Link) preparePender(localId uint32, region []byte) error {
	var peer handshake
	if err := json.NewDecoder(l.conn).Decode(&peer); err != nil {
		return xerrors.Errorf("transport: pender handshake recv failed: %w", err)
	}
	enc := json.NewEncoder(l.conn)
	if err := enc.Encode(handshake{LocalId: localId}); err != nil {
		return xerrors.Errorf("transport: pender handshake send failed: %w", err)
	}

	l.mu.Lock()
	l.id = peer.LocalId
	l.region = region
	l.mu.Unlock()

	go l.readLoop()

	return nil
}

// postCompRecv reposts one receive credit, allowing the peer's next
// posted write to be accepted and turned into a completion. Links that
// auto-repost (contribution-receiving links, which must never starve)
// ignore this and always have credit.
func (l *Link) postCompRecv() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.autoRepost {
		return nil
	}
	l.credits++
	l.credCond.Signal()
	return nil
}

// PostCompRecv reposts one receive credit for this link, for callers
// outside this package driving manual credit flow (e.g. tebapp's MRQ
// links).
func (l *Link) PostCompRecv() error { return l.postCompRecv() }

func (l *Link) readLoop() {
	r := bufio.NewReader(l.conn)
	for {
		if !l.autoRepost {
			l.mu.Lock()
			for l.credits <= 0 {
				l.credCond.Wait()
			}
			l.credits--
			l.mu.Unlock()
		}

		var kind uint8
		if err := binary.Read(r, binary.LittleEndian, &kind); err != nil {
			l.cq.Close()
			return
		}
		if kind != framePost {
			l.cq.Close()
			return
		}

		var offset, extent uint64
		var immediate uint64
		if err := binary.Read(r, binary.LittleEndian, &offset); err != nil {
			l.cq.Close()
			return
		}
		if err := binary.Read(r, binary.LittleEndian, &extent); err != nil {
			l.cq.Close()
			return
		}
		if err := binary.Read(r, binary.LittleEndian, &immediate); err != nil {
			l.cq.Close()
			return
		}

		if extent > 0 {
			l.mu.Lock()
			region := l.region
			l.mu.Unlock()
			if region == nil || offset+extent > uint64(len(region)) {
				io.CopyN(io.Discard, r, int64(extent))
			} else if _, err := io.ReadFull(r, region[offset:offset+extent]); err != nil {
				l.cq.Close()
				return
			}
		}

		l.cq.push(Completion{Immediate: immediate})
	}
}

// Post issues a write of buffer[:extent] into the peer's region at
// offsetInRegion, carrying immediateData as the completion's immediate
// data. Each attempt may block for up to a 2-second write deadline. A
// failed write is not retried in effect: the link's buffered writer
// keeps its first error, so the remaining attempts of the loop fail at
// once and Post returns that error wrapped in ErrQueueFull.
func (l *Link) Post(buffer []byte, extent, offsetInRegion int, immediateData uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= l.retryBudget; attempt++ {
		if err := l.conn.SetWriteDeadline(time.Now().Add(2 * time.Second)); err != nil {
			return xerrors.Errorf("transport: could not set write deadline: %w", err)
		}

		if err := binary.Write(l.w, binary.LittleEndian, uint8(framePost)); err != nil {
			lastErr = err
			continue
		}
		if err := binary.Write(l.w, binary.LittleEndian, uint64(offsetInRegion)); err != nil {
			lastErr = err
			continue
		}
		if err := binary.Write(l.w, binary.LittleEndian, uint64(extent)); err != nil {
			lastErr = err
			continue
		}
		if err := binary.Write(l.w, binary.LittleEndian, immediateData); err != nil {
			lastErr = err
			continue
		}
		if extent > 0 {
			if _, err := l.w.Write(buffer[:extent]); err != nil {
				lastErr = err
				continue
			}
		}
		if err := l.w.Flush(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return xerrors.Errorf("%w: %v", ErrQueueFull, lastErr)
}

// Close shuts the link's connection down.
func (l *Link) Close() error {
	return l.conn.Close()
}

// Server is the pender-side multiplexer: it accepts connections and
// owns the resulting links and their shared completion queue.
type Server struct {
	mu       sync.Mutex
	listener net.Listener
	cq       *CQ
	links    map[uint32]*Link
	region   []byte
	verbose  int
}

// NewServer starts listening on addr, with a shared completion queue
// of cqDepth entries. The memory that posted writes land in is given
// per link to Accept.
func NewServer(addr string, cqDepth int, verbose int) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Errorf("transport: could not listen on %q: %w", addr, err)
	}
	return &Server{
		listener: ln,
		cq:       NewCQ(cqDepth),
		links:    make(map[uint32]*Link),
		verbose:  verbose,
	}, nil
}

// Addr returns the server's bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// CQ returns the server's shared completion queue.
func (s *Server) CQ() *CQ { return s.cq }

// Accept blocks for one incoming connection, performs the pender-side
// handshake and returns the resulting Link. localId is this process's
// own id, exchanged with the peer. region is the memory this link's
// posted writes land in (pass nil for immediate-only links, which must
// pass autoRepost=false so callers drive credits via PostCompRecv).
func (s *Server) Accept(localId uint32, region []byte, autoRepost bool) (*Link, error) {
	conn, err := s.listener.Accept()
	if err != nil {
		return nil, xerrors.Errorf("transport: accept failed: %w", err)
	}

	l := newLink(conn, s.cq)
	l.autoRepost = autoRepost
	if autoRepost {
		l.credits = 1 << 30 // effectively unlimited
	}
	if err := l.preparePender(localId, region); err != nil {
		conn.Close()
		return nil, err
	}

	s.mu.Lock()
	s.links[l.id] = l
	s.mu.Unlock()

	return l, nil
}

// Link returns the link registered for peer id, if any.
func (s *Server) Link(id uint32) (*Link, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[id]
	return l, ok
}

// Shutdown closes the listener, every accepted link and the shared
// completion queue.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		l.Close()
	}
	s.cq.Close()
	return s.listener.Close()
}

// Client is the poster-side multiplexer: it dials connections and owns
// the resulting links and their shared completion queue.
type Client struct {
	mu    sync.Mutex
	cq    *CQ
	links []*Link
}

// NewClient creates a poster-side multiplexer with its own completion
// queue of the given depth.
func NewClient(cqDepth int) *Client {
	return &Client{cq: NewCQ(cqDepth), links: nil}
}

// CQ returns the client's shared completion queue.
func (c *Client) CQ() *CQ { return c.cq }

// Connect dials addr:port, honoring tmo as the connection timeout, and
// returns the resulting Link after the poster-side handshake and
// preparePoster registration of region.
func (c *Client) Connect(addr, port string, tmo time.Duration, localId uint32, region []byte) (*Link, error) {
	dialer := net.Dialer{Timeout: tmo}
	conn, err := dialer.Dial("tcp", net.JoinHostPort(addr, port))
	if err != nil {
		return nil, xerrors.Errorf("transport: could not connect to %s:%s: %w", addr, port, err)
	}

	l := newLink(conn, c.cq)
	if err := l.preparePoster(localId, region); err != nil {
		conn.Close()
		return nil, err
	}

	c.mu.Lock()
	c.links = append(c.links, l)
	c.mu.Unlock()

	return l, nil
}

// Shutdown closes every connected link and the shared completion
// queue.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, l := range c.links {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.cq.Close()
	return firstErr
}

// Pending returns the number of links currently tracked, backing the
// TEB_TxPdg metric (a proxy for in-flight posts, since this
// transport has no direct hardware send-queue depth to sample).
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.links)
}
