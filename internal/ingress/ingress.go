// Package ingress implements the Ingress Socket Server (C13): a Unix
// domain socket listener that decodes newline-delimited JSON ApiTrace
// records and hands each one off to a handler on its own goroutine.
//
// Grounded on spec §4.13/§6; the accept-loop-plus-per-connection-goroutine
// shape follows the teacher's cmd/proxy/main.go listener loop, adapted from
// TCP+TLS to a Unix socket with no MITM involved.
package ingress

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"

	"metlo-agent-core/internal/logger"
	"metlo-agent-core/internal/trace"
)

// maxLineBytes bounds one decoded trace line, preventing an unbounded
// read from a misbehaving or malicious collector sidecar.
const maxLineBytes = 16 << 20

// Handler processes one decoded trace. The server never inspects the
// handler's return value; errors are the handler's own concern to log.
type Handler func(tr *trace.ApiTrace)

// Server listens on a Unix domain socket and dispatches each decoded line
// to Handler on its own goroutine.
type Server struct {
	socketPath string
	handler    Handler
	log        *logger.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New returns a Server bound to socketPath (not yet listening).
func New(socketPath string, handler Handler, log *logger.Logger) *Server {
	return &Server{socketPath: socketPath, handler: handler, log: log}
}

// ListenAndServe removes any stale socket file, listens, and accepts
// connections until the listener is closed (via Close or process
// shutdown). It returns nil on a clean Close, and a wrapped error for any
// other listen/accept failure (spec §6 "non-zero only on unhandled I/O
// failure from the socket server").
func (s *Server) ListenAndServe() error {
	if err := os.RemoveAll(s.socketPath); err != nil && !os.IsNotExist(err) {
		s.log.Warnf("ingress_stale_socket", "could not remove stale socket %s: %v", s.socketPath, err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Infof("ingress_listening", "accepting traces on %s", s.socketPath)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.serveConn(conn)
	}
}

// Close stops accepting new connections. In-flight trace handlers are not
// cancelled; they run to completion per spec §5's cancellation model.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// serveConn reads newline-delimited JSON ApiTrace records off conn until
// EOF or a read error. A malformed line is logged at debug and skipped —
// it never closes the connection (spec §4.13's ParseFailure policy).
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close() //nolint:errcheck // nothing further to do with a closed connection

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var tr trace.ApiTrace
		if err := json.Unmarshal(line, &tr); err != nil {
			s.log.Debugf("ingress_parse_failure", "malformed trace line: %v", err)
			continue
		}
		go s.handler(&tr)
	}
}
