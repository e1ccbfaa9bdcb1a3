package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fisheeesh/lms-sub000/internal/normalize"
	"github.com/fisheeesh/lms-sub000/internal/queue"
	"github.com/fisheeesh/lms-sub000/internal/schema"
)

// TCPServerMetrics holds counters for the TCP listener.
type TCPServerMetrics struct {
	Connections uint64
	Received    uint64
	Queued      uint64
	Errors      uint64
}

// TCPServer receives newline-delimited syslog messages over TCP, on the
// same port number as the UDP listener.
type TCPServer struct {
	config     SyslogConfig
	listener   net.Listener
	normalizer *normalize.Normalizer
	validator  *schema.Validator
	queue      *queue.RingBuffer
	rejects    RejectSink

	connCount int32
	wg        sync.WaitGroup
	done      chan struct{}

	connections uint64
	received    uint64
	queued      uint64
	errors      uint64
}

// NewTCPServer creates a TCP syslog listener.
func NewTCPServer(
	cfg SyslogConfig,
	n *normalize.Normalizer,
	validator *schema.Validator,
	q *queue.RingBuffer,
) *TCPServer {
	return &TCPServer{
		config:     cfg,
		normalizer: n,
		validator:  validator,
		queue:      q,
		done:       make(chan struct{}),
	}
}

// WithRejectSink records validator-refused payloads to the sink.
func (s *TCPServer) WithRejectSink(sink RejectSink) *TCPServer {
	s.rejects = sink
	return s
}

// Start binds the listener and launches the accept loop.
func (s *TCPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	slog.Info("tcp syslog listener started",
		"address", s.config.Address,
		"source", s.config.Source,
	)

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	return nil
}

func (s *TCPServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		if tcpListener, ok := s.listener.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(100 * time.Millisecond))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				slog.Debug("tcp accept error", "error", err)
				continue
			}
		}

		if atomic.LoadInt32(&s.connCount) >= int32(s.config.MaxConnections) {
			slog.Warn("max connections reached, rejecting", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		atomic.AddInt32(&s.connCount, 1)
		atomic.AddUint64(&s.connections, 1)

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *TCPServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer atomic.AddInt32(&s.connCount, -1)
	defer conn.Close()

	slog.Debug("new tcp connection", "remote", conn.RemoteAddr())

	reader := bufio.NewReaderSize(conn, s.config.MaxMessageSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				// Process any unterminated trailing line.
				if strings.TrimSpace(line) != "" {
					atomic.AddUint64(&s.received, 1)
					s.processLine(line)
				}
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return
			}
			slog.Debug("tcp read error", "error", err)
			return
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		atomic.AddUint64(&s.received, 1)
		s.processLine(line)
	}
}

func (s *TCPServer) processLine(line string) {
	line = strings.TrimRight(line, "\r\n")

	log := s.normalizer.Normalize(s.config.Tenant, s.config.Source, []byte(line))

	if err := s.validator.Validate(log); err != nil {
		atomic.AddUint64(&s.errors, 1)
		slog.Debug("syslog validation error", "error", err, "tenant", log.Tenant)
		s.recordReject(log.Tenant, line, err)
		return
	}

	if err := s.queue.Push(log); err != nil {
		atomic.AddUint64(&s.errors, 1)
		return
	}

	atomic.AddUint64(&s.queued, 1)
}

func (s *TCPServer) recordReject(tenant, payload string, cause error) {
	if s.rejects == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.rejects.WriteReject(ctx, tenant, string(s.config.Source), payload, []string{cause.Error()}); err != nil {
		slog.Debug("failed to record rejected payload", "error", err)
	}
}

// Addr returns the bound listener address, nil before Start.
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the listener down and waits for open connections.
func (s *TCPServer) Stop() {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	slog.Info("tcp syslog listener stopped",
		"connections", atomic.LoadUint64(&s.connections),
		"received", atomic.LoadUint64(&s.received),
		"queued", atomic.LoadUint64(&s.queued),
		"errors", atomic.LoadUint64(&s.errors),
	)
}

// Metrics returns the current listener counters.
func (s *TCPServer) Metrics() TCPServerMetrics {
	return TCPServerMetrics{
		Connections: atomic.LoadUint64(&s.connections),
		Received:    atomic.LoadUint64(&s.received),
		Queued:      atomic.LoadUint64(&s.queued),
		Errors:      atomic.LoadUint64(&s.errors),
	}
}

// ActiveConnections returns the number of currently open connections.
func (s *TCPServer) ActiveConnections() int {
	return int(atomic.LoadInt32(&s.connCount))
}
