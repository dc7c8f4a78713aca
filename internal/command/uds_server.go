package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"firestige.xyz/vswitch/internal/log"
)

// UDSServer implements a JSON-RPC server over a Unix domain socket.
type UDSServer struct {
	socketPath string
	handler    *Handler
	listener   net.Listener
	logger     log.Logger

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
	stopped bool
}

// NewUDSServer creates a new UDS server.
func NewUDSServer(socketPath string, handler *Handler) *UDSServer {
	return &UDSServer{
		socketPath: socketPath,
		handler:    handler,
		logger:     log.Component("core"),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start begins serving. It returns once the listener is up; connections
// are handled in the background until Stop.
func (s *UDSServer) Start(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", s.socketPath, err)
	}
	s.listener = listener

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.logger.WithField("socket", s.socketPath).Info("control socket listening")

	go s.acceptLoop(ctx)
	return nil
}

func (s *UDSServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			s.logger.WithError(err).Error("failed to accept connection")
			continue
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *UDSServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()

		var req JSONRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			encoder.Encode(JSONRPCResponse{
				JSONRPC: "2.0",
				Error: &ErrorInfo{
					Code:    ErrCodeParseError,
					Message: fmt.Sprintf("parse error: %v", err),
				},
			})
			continue
		}

		resp := s.handler.Handle(ctx, req.Method, req.Params)

		if err := encoder.Encode(JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  resp.Result,
			Error:   resp.Error,
		}); err != nil {
			s.logger.WithError(err).Error("failed to send response")
			return
		}
	}
}

// Stop shuts the server down and closes active connections.
func (s *UDSServer) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	os.RemoveAll(s.socketPath)
	return err
}
