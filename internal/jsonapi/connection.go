package jsonapi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/vyrodovalexey/loggate/internal/logging"
)

var (
	// ErrNotLocal is returned for requests that only local peers may make.
	ErrNotLocal = errors.New("only allowed from local peers")
	// ErrUnknownLogger is returned when a request names a logger that does
	// not exist.
	ErrUnknownLogger = errors.New("unknown logger")
)

// Connection serves one peer. It implements gate.Handler.
type Connection struct {
	id    string
	conn  net.Conn
	local bool
	f     *Factory

	send chan any
	quit chan struct{}
	done chan struct{}
	once sync.Once

	streamMu sync.Mutex
	stream   *stream
	dropped  atomic.Uint64
}

func newConnection(f *Factory, conn net.Conn, local bool) *Connection {
	return &Connection{
		id:    uuid.New().String(),
		conn:  conn,
		local: local,
		f:     f,
		send:  make(chan any, f.sendBuffer),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (c *Connection) start() {
	c.f.log.Debugf("Connection %s from %s opened (local: %t)", c.id, c.conn.RemoteAddr(), c.local)
	go c.writeLoop()
	go c.readLoop()
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// Local reports whether the peer is on a local network.
func (c *Connection) Local() bool {
	return c.local
}

// Dropped returns the number of streamed messages discarded because the peer
// did not keep up.
func (c *Connection) Dropped() uint64 {
	return c.dropped.Load()
}

// Done is closed when the connection has ended.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close ends the connection. It is safe to call more than once.
func (c *Connection) Close() error {
	c.finish()
	return nil
}

func (c *Connection) finish() {
	c.once.Do(func() {
		close(c.quit)
		if err := c.conn.Close(); err != nil {
			c.f.log.Debugf("Connection %s: close: %v", c.id, err)
		}
		c.stopStream()
		close(c.done)
		c.f.log.Debugf("Connection %s closed", c.id)
	})
}

func (c *Connection) readLoop() {
	defer c.finish()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), c.f.maxRequestSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
		c.f.log.Debugf("Connection %s: read: %v", c.id, err)
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.f.log.Debugf("Connection %s: write: %v", c.id, err)
				c.finish()
				return
			}
		case <-c.quit:
			return
		}
	}
}

func (c *Connection) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %T: %w", msg, err)
	}
	data = append(data, '\n')

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.f.writeTimeout)); err != nil {
		return err
	}
	_, err = c.conn.Write(data)
	return err
}

// enqueue queues msg for writing, waiting for room. It reports false once the
// connection has ended.
func (c *Connection) enqueue(msg any) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.quit:
		return false
	}
}

// offer queues msg if there is room and drops it otherwise.
func (c *Connection) offer(msg any) {
	select {
	case c.send <- msg:
	default:
		c.dropped.Add(1)
		c.f.metrics.RecordDropped()
	}
}

func (c *Connection) handleLine(line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		c.reply(req, nil, fmt.Errorf("invalid request: %w", err))
		return
	}

	switch req.Command {
	case CommandServerInfo:
		c.reply(req, c.serverInfo(), nil)
	case CommandLogging:
		c.handleLogging(req)
	default:
		c.reply(req, nil, fmt.Errorf("unknown command %q", req.Command))
	}
}

func (c *Connection) reply(req Request, data any, err error) bool {
	resp := Response{
		Type:       TypeResponse,
		Command:    req.Command,
		Subcommand: req.Subcommand,
		TAN:        req.TAN,
		Success:    err == nil,
		Data:       data,
	}
	if err != nil {
		resp.Error = err.Error()
		c.f.log.Debugf("Connection %s: %s %s failed: %v", c.id, req.Command, req.Subcommand, err)
	}
	c.f.metrics.RequestHandled(metricCommand(req.Command), err == nil)
	return c.enqueue(resp)
}

func metricCommand(command string) string {
	switch command {
	case CommandServerInfo, CommandLogging:
		return command
	default:
		return "unknown"
	}
}

func (c *Connection) serverInfo() ServerInfo {
	return ServerInfo{
		AppName:      c.f.registry.AppName(),
		Version:      c.f.version,
		ConnectionID: c.id,
		Local:        c.local,
		Loggers:      c.f.registry.Names(),
		GlobalLevel:  c.f.registry.GlobalLevel().String(),
		BufferSize:   c.f.hub.Capacity(),
	}
}

func (c *Connection) handleLogging(req Request) {
	switch req.Subcommand {
	case SubcommandStart:
		c.startStream(req)
	case SubcommandStop:
		c.stopStream()
		c.reply(req, nil, nil)
	case SubcommandLevel:
		info, err := c.setLevel(req)
		c.reply(req, info, err)
	default:
		c.reply(req, nil, fmt.Errorf("unknown logging subcommand %q", req.Subcommand))
	}
}

// startStream attaches the connection to the hub. The peer receives the
// response, then the backlog, then live records.
func (c *Connection) startStream(req Request) {
	c.streamMu.Lock()
	streaming := c.stream != nil
	c.streamMu.Unlock()
	if streaming {
		c.reply(req, nil, nil)
		return
	}

	s := &stream{c: c}
	ctx, cancel := context.WithTimeout(context.Background(), c.f.hubTimeout)
	backlog, detach, err := c.f.hub.Attach(ctx, s)
	cancel()
	if err != nil {
		c.reply(req, nil, fmt.Errorf("attach to log hub: %w", err))
		return
	}
	s.detach = detach

	c.streamMu.Lock()
	select {
	case <-c.quit:
		c.streamMu.Unlock()
		detach()
		return
	default:
	}
	c.stream = s
	c.streamMu.Unlock()

	if !c.reply(req, map[string]int{"backlog": len(backlog)}, nil) {
		return
	}
	for _, rec := range backlog {
		if !c.enqueue(RecordMessage{Type: TypeRecord, Record: rec}) {
			return
		}
	}
	s.goLive()
}

func (c *Connection) stopStream() {
	c.streamMu.Lock()
	s := c.stream
	c.stream = nil
	c.streamMu.Unlock()

	if s != nil {
		s.detach()
	}
}

func (c *Connection) setLevel(req Request) (*LevelInfo, error) {
	if !c.local {
		return nil, ErrNotLocal
	}

	level, err := logging.ParseLevel(req.Level)
	if err != nil {
		return nil, err
	}
	if req.Logger != "" {
		if _, ok := c.f.registry.Lookup(req.Logger); !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownLogger, req.Logger)
		}
	}

	c.f.registry.SetLogLevel(level, req.Logger)
	c.f.log.Infof("Connection %s set level of %q to %s", c.id, req.Logger, level)

	return &LevelInfo{Logger: req.Logger, Level: c.f.registry.LogLevel(req.Logger).String()}, nil
}

// stream is the hub attachment of a connection. Until the backlog has been
// queued, live records are held back so the peer sees them in order.
type stream struct {
	c      *Connection
	detach func()

	mu      sync.Mutex
	live    bool
	pending []any
}

func (s *stream) OnRecord(rec logging.Record) {
	s.deliver(RecordMessage{Type: TypeRecord, Record: rec})
}

func (s *stream) OnState(enabled bool) {
	s.deliver(StateMessage{Type: TypeState, Enabled: enabled})
}

func (s *stream) deliver(msg any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live {
		s.c.offer(msg)
		return
	}
	if len(s.pending) >= s.c.f.sendBuffer {
		s.c.dropped.Add(1)
		s.c.f.metrics.RecordDropped()
		return
	}
	s.pending = append(s.pending, msg)
}

func (s *stream) goLive() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range s.pending {
		s.c.offer(msg)
	}
	s.pending = nil
	s.live = true
}
