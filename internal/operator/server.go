// Package operator — server.go
//
// Unix domain socket server for the router daemon's operator control
// surface.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/router/operator.sock (configurable).
// Permissions: 0600, owned by the daemon's user. Read-only introspection
// plus a single privileged mutation (reload-cert) — the operator surface
// never overrides emitted intents or vetoes themselves, only the
// authority binding and observability state around them, per
// SPEC_FULL.md §4.10a.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"status"}
//	  → Returns current authority level, listener liveness, violation
//	    state, and daemon uptime.
//	  → Response: {"ok":true,"authority_level":"v0.2","listener_alive":true,...}
//
//	{"cmd":"list-symbols"}
//	  → Returns every known symbol with its current regime and last
//	    emission kind.
//	  → Response: {"ok":true,"symbols":[{"symbol":"BTC-USD","regime":"drift",...}]}
//
//	{"cmd":"ledger"}
//	  → Returns the full recorded demotion history.
//	  → Response: {"ok":true,"demotions":[{"from":"v0.2","to":"v0.1",...}]}
//
//	{"cmd":"reload-cert"}
//	  → Forces a re-read and re-bind of the authority certificate from
//	    disk. A successful reload can only hold at or below the current
//	    level — binding never raises authority mid-session without a
//	    restart; a cert that would newly qualify for promotion is a
//	    no-op until the process restarts.
//	  → Response: {"ok":true,"authority_level":"v0.2"}
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/synthdesk/router/internal/authority"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// SymbolStatus is a snapshot of a single symbol's last-known state,
// for list-symbols.
type SymbolStatus struct {
	Symbol           string  `json:"symbol"`
	Regime           string  `json:"regime"`
	LastKind         string  `json:"last_kind"`
	ShapedConfidence float64 `json:"shaped_confidence"`
}

// DemotionStatus is a single demotion record, for ledger.
type DemotionStatus struct {
	Timestamp string `json:"timestamp"`
	From      string `json:"from"`
	To        string `json:"to"`
	Trigger   string `json:"trigger"`
}

// Registry is the read interface the operator server uses to build
// status responses. Implemented by the runtime loop's state holder.
type Registry interface {
	ListenerAlive() bool
	ViolationActive() bool
	ListSymbols() []SymbolStatus
	ListDemotions() []DemotionStatus
	Uptime() time.Duration
}

// CertReloader reloads the authority certificate from disk, returning
// the resulting (possibly unchanged) level.
type CertReloader interface {
	ReloadCertificate() authority.Level
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd string `json:"cmd"` // status | list-symbols | ledger | reload-cert
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK              bool             `json:"ok"`
	Error           string           `json:"error,omitempty"`
	AuthorityLevel  string           `json:"authority_level,omitempty"`
	ListenerAlive   bool             `json:"listener_alive,omitempty"`
	ViolationActive bool             `json:"violation_active,omitempty"`
	UptimeSeconds   float64          `json:"uptime_seconds,omitempty"`
	Symbols         []SymbolStatus   `json:"symbols,omitempty"`
	Demotions       []DemotionStatus `json:"demotions,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	registry   Registry
	authState  *authority.State
	reloader   CertReloader
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates an operator Server.
func NewServer(socketPath string, registry Registry, authState *authority.State, reloader CertReloader, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		socketPath: socketPath,
		registry:   registry,
		authState:  authState,
		reloader:   reloader,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server, removing any stale
// socket file before binding. Blocks until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "status":
		return s.cmdStatus()
	case "list-symbols":
		return s.cmdListSymbols()
	case "ledger":
		return s.cmdLedger()
	case "reload-cert":
		return s.cmdReloadCert()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdStatus() Response {
	return Response{
		OK:              true,
		AuthorityLevel:  string(s.authState.Level()),
		ListenerAlive:   s.registry.ListenerAlive(),
		ViolationActive: s.registry.ViolationActive(),
		UptimeSeconds:   s.registry.Uptime().Seconds(),
	}
}

func (s *Server) cmdListSymbols() Response {
	return Response{OK: true, Symbols: s.registry.ListSymbols()}
}

func (s *Server) cmdLedger() Response {
	return Response{OK: true, Demotions: s.registry.ListDemotions()}
}

func (s *Server) cmdReloadCert() Response {
	if s.reloader == nil {
		return Response{OK: false, Error: "reload-cert not supported by this daemon configuration"}
	}
	level := s.reloader.ReloadCertificate()
	s.log.Info("operator: certificate reload requested", zap.String("resulting_level", string(level)))
	return Response{OK: true, AuthorityLevel: string(level)}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
