package kvstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
)

// Request is one RPC sent to a peer's KvStoreDb.
type Request struct {
	Id          string
	Type        RequestType
	Area        string
	Keys        []string
	Filters     *FilterSpec
	HashOnly    bool
	Publication *Publication
	Dual        *DualMessage

	// FLOOD_TOPO_SET fields.
	RootId   string
	SenderId string
	SetChild bool
}

// FilterSpec is Filter's wire-safe form: regexp.Regexp does not gob-encode,
// so requests carry the source patterns and compile on arrival.
type FilterSpec struct {
	KeyPrefixes   []string
	OriginatorIds []string
	Op            FilterOp
}

// Compile builds the runtime Filter described by spec, or nil if spec is nil.
func (spec *FilterSpec) Compile() *Filter {
	if spec == nil {
		return nil
	}
	return NewFilter(spec.KeyPrefixes, spec.OriginatorIds, spec.Op)
}

type RequestType int

const (
	ReqKeyGet RequestType = iota
	ReqKeySet
	ReqKeyDump
	ReqHashDump
	ReqDual
	ReqFloodTopoSet
)

// Reply answers a Request by Id.
type Reply struct {
	Id              string
	Error           string
	KeyVals         KeyValueMap
	Publication     *Publication
	TobeUpdatedKeys []string
}

// LegacySocket is the older request/reply transport: one connection per
// call, framed with a 4-byte big-endian length prefix followed by a
// gob-encoded payload. Kept alongside TypedClient because not every peer
// in a rolling upgrade speaks the newer protocol.
type LegacySocket struct {
	mu      sync.Mutex
	dialer  func(ctx context.Context) (net.Conn, error)
}

// NewLegacySocket builds a LegacySocket that dials addr:port with net.Dialer
// on every call.
func NewLegacySocket(addr string, port uint16) *LegacySocket {
	return &LegacySocket{
		dialer: func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", addr, port))
		},
	}
}

func writeFramed(w io.Writer, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return err
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func readFramed(r *bufio.Reader, v any) error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return gob.NewDecoder(bytes.NewReader(body)).Decode(v)
}

// Call dials, sends req, reads one Reply, and closes the connection.
func (s *LegacySocket) Call(ctx context.Context, req Request) (*Reply, error) {
	if req.Id == "" {
		req.Id = uuid.NewString()
	}
	conn, err := s.dialer(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	if err := writeFramed(conn, req); err != nil {
		return nil, err
	}
	var reply Reply
	if err := readFramed(bufio.NewReader(conn), &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// TypedClient is the newer transport: a single persistent connection per
// peer, multiplexing concurrent calls by request id rather than opening a
// connection per call.
type TypedClient struct {
	mu       sync.Mutex
	conn     net.Conn
	pending  map[string]chan *Reply
	connect  func(ctx context.Context) (net.Conn, error)
}

// NewTypedClient builds a TypedClient that dials addr:port lazily on first
// use and keeps the connection open across calls.
func NewTypedClient(addr string, port uint16) *TypedClient {
	return &TypedClient{
		pending: make(map[string]chan *Reply),
		connect: func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", addr, port))
		},
	}
}

func (c *TypedClient) ensureConn(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	go c.readLoop(conn)
	return conn, nil
}

func (c *TypedClient) readLoop(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		var reply Reply
		if err := readFramed(r, &reply); err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[reply.Id]
		delete(c.pending, reply.Id)
		c.mu.Unlock()
		if ok {
			ch <- &reply
		}
	}
}

// Call sends req over the persistent connection and waits for the matching
// reply id, or ctx cancellation, whichever comes first.
func (c *TypedClient) Call(ctx context.Context, req Request) (*Reply, error) {
	if req.Id == "" {
		req.Id = uuid.NewString()
	}
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Reply, 1)
	c.mu.Lock()
	c.pending[req.Id] = ch
	c.mu.Unlock()

	if err := writeFramed(conn, req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.Id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("typed client connection closed while waiting for %s", req.Id)
		}
		return reply, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.Id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Close tears down the persistent connection, if any.
func (c *TypedClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Transport is the tagged variant dispatched on at call time: a peer is
// reached either through the legacy per-call socket or the newer typed
// client, but the state machine driving either is identical.
type Transport struct {
	Legacy *LegacySocket
	Typed  *TypedClient
}

// Call dispatches req to whichever variant is set.
func (t Transport) Call(ctx context.Context, req Request) (*Reply, error) {
	switch {
	case t.Typed != nil:
		return t.Typed.Call(ctx, req)
	case t.Legacy != nil:
		return t.Legacy.Call(ctx, req)
	default:
		return nil, fmt.Errorf("transport has neither legacy nor typed variant set")
	}
}

// Handler answers one Request; the server loop below is transport-agnostic
// and serves both legacy one-shot callers and typed persistent clients
// identically, since both frame with writeFramed/readFramed.
type Handler func(ctx context.Context, req Request) Reply

// Server accepts connections on addr:port and dispatches every framed
// Request it reads to handle, replying on the same connection. A
// persistent TypedClient and a one-shot LegacySocket caller are
// indistinguishable to Server: both open a TCP connection, send one or
// more framed Requests, and read matching framed Replies.
type Server struct {
	listener net.Listener
	handle   Handler
}

// NewServer binds addr:port immediately, returning an error if the bind
// fails.
func NewServer(addr string, port uint16, handle Handler) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return nil, err
	}
	return &Server{listener: ln, handle: handle}, nil
}

// Addr returns the bound address, useful when port 0 was requested.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. Each connection is served in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		var req Request
		if err := readFramed(r, &req); err != nil {
			return
		}
		reply := s.handle(ctx, req)
		reply.Id = req.Id
		if err := writeFramed(conn, reply); err != nil {
			return
		}
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}
