// Package ingest exposes the source adapters: syslog listeners over UDP
// and TCP, and an HTTP endpoint for structured sources. Adapters attribute
// a tenant and source, hand the raw payload to the normalizer, and push
// the canonical log onto the in-process queue.
package ingest

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fisheeesh/lms-sub000/internal/normalize"
	"github.com/fisheeesh/lms-sub000/internal/queue"
	"github.com/fisheeesh/lms-sub000/internal/schema"
)

// SyslogConfig holds configuration shared by the UDP and TCP syslog
// listeners. Both bind the same port, one per transport.
type SyslogConfig struct {
	Address        string        `yaml:"address"`
	Source         schema.Source `yaml:"source"`
	Tenant         string        `yaml:"tenant"`
	BufferSize     int           `yaml:"buffer_size"`
	Workers        int           `yaml:"workers"`
	MaxMessageSize int           `yaml:"max_message_size"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// DefaultSyslogConfig returns the default syslog listener configuration.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Address:        ":5514",
		Source:         schema.SourceFirewall,
		Tenant:         "default",
		BufferSize:     16 * 1024 * 1024,
		Workers:        8,
		MaxMessageSize: 65535,
		MaxConnections: 1000,
		IdleTimeout:    5 * time.Minute,
	}
}

// UDPServerMetrics holds counters for the UDP listener.
type UDPServerMetrics struct {
	Received   uint64
	Normalized uint64
	Queued     uint64
	Errors     uint64
}

// UDPServer receives syslog datagrams, one message per packet.
type UDPServer struct {
	config     SyslogConfig
	conn       *net.UDPConn
	normalizer *normalize.Normalizer
	validator  *schema.Validator
	queue      *queue.RingBuffer
	rejects    RejectSink

	wg   sync.WaitGroup
	done chan struct{}

	received   uint64
	normalized uint64
	queued     uint64
	errors     uint64
}

// NewUDPServer creates a UDP syslog listener.
func NewUDPServer(
	cfg SyslogConfig,
	n *normalize.Normalizer,
	validator *schema.Validator,
	q *queue.RingBuffer,
) *UDPServer {
	return &UDPServer{
		config:     cfg,
		normalizer: n,
		validator:  validator,
		queue:      q,
		done:       make(chan struct{}),
	}
}

// WithRejectSink records validator-refused payloads to the sink.
func (s *UDPServer) WithRejectSink(sink RejectSink) *UDPServer {
	s.rejects = sink
	return s
}

// Start binds the socket and launches the receiver and workers.
func (s *UDPServer) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}

	if err := conn.SetReadBuffer(s.config.BufferSize); err != nil {
		slog.Warn("failed to set UDP read buffer", "error", err)
	}
	s.conn = conn

	slog.Info("udp syslog listener started",
		"address", s.config.Address,
		"source", s.config.Source,
	)

	messages := make(chan []byte, s.config.Workers*100)

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(messages)
	}

	s.wg.Add(1)
	go s.receiver(ctx, messages)

	return nil
}

func (s *UDPServer) receiver(ctx context.Context, messages chan<- []byte) {
	defer s.wg.Done()
	defer close(messages)

	buffer := make([]byte, s.config.MaxMessageSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		// Read deadline allows periodic shutdown checks.
		s.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, _, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				slog.Debug("udp read error", "error", err)
				continue
			}
		}

		atomic.AddUint64(&s.received, 1)

		// Copy out of the reused read buffer.
		data := make([]byte, n)
		copy(data, buffer[:n])

		select {
		case messages <- data:
		default:
			atomic.AddUint64(&s.errors, 1)
			slog.Debug("udp message channel full, dropping message")
		}
	}
}

func (s *UDPServer) worker(messages <-chan []byte) {
	defer s.wg.Done()

	for data := range messages {
		s.processMessage(data)
	}
}

func (s *UDPServer) processMessage(data []byte) {
	log := s.normalizer.Normalize(s.config.Tenant, s.config.Source, data)
	atomic.AddUint64(&s.normalized, 1)

	if err := s.validator.Validate(log); err != nil {
		atomic.AddUint64(&s.errors, 1)
		slog.Debug("syslog validation error", "error", err, "tenant", log.Tenant)
		s.recordReject(log.Tenant, string(data), err)
		return
	}

	if err := s.queue.Push(log); err != nil {
		atomic.AddUint64(&s.errors, 1)
		slog.Debug("queue push error", "error", err)
		return
	}

	atomic.AddUint64(&s.queued, 1)
}

func (s *UDPServer) recordReject(tenant, payload string, cause error) {
	if s.rejects == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.rejects.WriteReject(ctx, tenant, string(s.config.Source), payload, []string{cause.Error()}); err != nil {
		slog.Debug("failed to record rejected payload", "error", err)
	}
}

// Addr returns the bound socket address, nil before Start.
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop shuts the listener down and waits for in-flight messages.
func (s *UDPServer) Stop() {
	close(s.done)
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
	slog.Info("udp syslog listener stopped",
		"received", atomic.LoadUint64(&s.received),
		"queued", atomic.LoadUint64(&s.queued),
		"errors", atomic.LoadUint64(&s.errors),
	)
}

// Metrics returns the current listener counters.
func (s *UDPServer) Metrics() UDPServerMetrics {
	return UDPServerMetrics{
		Received:   atomic.LoadUint64(&s.received),
		Normalized: atomic.LoadUint64(&s.normalized),
		Queued:     atomic.LoadUint64(&s.queued),
		Errors:     atomic.LoadUint64(&s.errors),
	}
}
