// Package tcp implements the gateway's line-delimited JSON downstream
// transport: one JSON-RPC 2.0 message per line (UTF-8, newline terminated,
// an optional trailing carriage return stripped), with connection and
// per-IP caps enforced at accept time.
package tcp

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"i3gateway/internal/api"
	"i3gateway/internal/auth"
	"i3gateway/internal/gwerr"
	"i3gateway/internal/rpcproto"
	"i3gateway/internal/session"
)

// Config tunes line limits, backpressure, and connection caps.
type Config struct {
	MaxLine        int // default 65536
	MaxQueue       int // default 256
	MaxConnections int // default 0 (unlimited); passed to netutil.LimitListener
}

func (c Config) withDefaults() Config {
	if c.MaxLine <= 0 {
		c.MaxLine = 65536
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 256
	}
	return c
}

// Server owns the line-delimited JSON TCP transport for the gateway's API.
type Server struct {
	dispatcher *api.Dispatcher
	gate       *auth.Gate
	cfg        Config
}

// NewServer creates a TCP transport server bound to dispatcher.
func NewServer(dispatcher *api.Dispatcher, gate *auth.Gate, cfg Config) *Server {
	return &Server{dispatcher: dispatcher, gate: gate, cfg: cfg.withDefaults()}
}

// Serve accepts connections on ln until ctx is canceled or Accept fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remoteAddr, err := auth.RemoteAddr(conn.RemoteAddr().String())
	if err != nil {
		slog.Debug("tcp reject: bad remote addr", "remote", conn.RemoteAddr(), "err", err)
		return
	}
	if s.gate != nil {
		if !s.gate.CanConnect(remoteAddr) {
			slog.Warn("tcp reject: connection limit", "remote", remoteAddr)
			return
		}
		s.gate.TrackConnect(remoteAddr)
		defer s.gate.TrackDisconnect(remoteAddr)
	}

	out := make(chan []byte, s.cfg.MaxQueue)
	done := make(chan struct{})
	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { close(done); conn.Close() }) }
	defer closeConn()

	sender := &lineSender{out: out, done: done, closeFn: closeConn}
	cs := &api.ConnState{
		RemoteAddr: remoteAddr,
		Transport:  session.TransportTCP,
		Sender:     sender,
	}

	go s.writeLoop(conn, out, done)

	defer func() {
		if cs.Session != nil {
			cs.Session.Detach()
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), s.cfg.MaxLine)
	for scanner.Scan() {
		line := scanner.Bytes() // bufio.ScanLines already strips a trailing \r
		if len(line) == 0 {
			continue
		}
		s.handleLine(ctx, cs, sender, line)
	}
	if err := scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			sender.enqueue(rpcproto.NewStandardError(nil, gwerr.CodeInvalidRequest, "line exceeds max_line"))
		} else {
			slog.Debug("tcp read error", "remote", remoteAddr, "err", err)
		}
	}
}

func (s *Server) handleLine(ctx context.Context, cs *api.ConnState, sender *lineSender, line []byte) {
	single, batch, err := rpcproto.ParseMessage(line)
	if err != nil {
		resp := rpcproto.NewStandardError(nil, gwerr.CodeParseError, err.Error())
		sender.enqueue(resp)
		return
	}

	if single != nil {
		resp := s.dispatcher.Handle(ctx, cs, *single)
		if !single.IsNotification() {
			sender.enqueue(resp)
		}
		return
	}

	responses := make([]rpcproto.Response, 0, len(batch))
	for _, req := range batch {
		resp := s.dispatcher.Handle(ctx, cs, req)
		if !req.IsNotification() {
			responses = append(responses, resp)
		}
	}
	if len(responses) > 0 {
		sender.enqueueBatch(responses)
	}
}

func (s *Server) writeLoop(conn net.Conn, out <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case data, ok := <-out:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if _, err := conn.Write(append(data, '\n')); err != nil {
				slog.Debug("tcp write error", "err", err)
				return
			}
		case <-done:
			return
		}
	}
}

// lineSender implements session.Sender and queues outbound lines for the
// connection's write loop, closing the connection on backpressure.
type lineSender struct {
	out     chan []byte
	done    <-chan struct{}
	closeFn func()
}

func (s *lineSender) SendNotification(method string, params any) error {
	n := rpcproto.NewNotification(method, params)
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.send(data)
}

func (s *lineSender) enqueue(resp rpcproto.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("tcp marshal response", "err", err)
		return
	}
	_ = s.send(data)
}

func (s *lineSender) enqueueBatch(responses []rpcproto.Response) {
	data, err := json.Marshal(responses)
	if err != nil {
		slog.Error("tcp marshal batch", "err", err)
		return
	}
	_ = s.send(data)
}

func (s *lineSender) send(data []byte) error {
	select {
	case s.out <- data:
		return nil
	case <-s.done:
		return gwerr.ErrSlowClient
	default:
		slog.Warn("tcp slow client, closing connection")
		s.closeFn()
		return gwerr.ErrSlowClient
	}
}
