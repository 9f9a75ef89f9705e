// Package serverpeer implements the server side of the tunnel: it accepts
// the encrypted stream (over TCP, or over WebSocket upgraded from an HTTP
// listener), recovers the destination address from the first decrypted
// payload, resolves and dials it, and relays bytes in both directions.
//
// Accept loop, conn tracking, and graceful Stop follow the same shape as
// the local peer's; the WebSocket tunnel kind adds an http.Server-fronted
// upgrade path alongside the raw TCP listener.
package serverpeer

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/shadowgate/internal/config"
	"github.com/postalsys/shadowgate/internal/conntrack"
	"github.com/postalsys/shadowgate/internal/duplex"
	"github.com/postalsys/shadowgate/internal/logging"
	"github.com/postalsys/shadowgate/internal/metrics"
	"github.com/postalsys/shadowgate/internal/relay"
	"github.com/postalsys/shadowgate/internal/resolver"
	"github.com/postalsys/shadowgate/internal/socksaddr"
	"github.com/postalsys/shadowgate/internal/ssaead"
)

// dialTimeout bounds the upstream TCP connect attempted once the
// destination address has been recovered from the tunnel.
const dialTimeout = 15 * time.Second

// resolveTimeout bounds a domain-name lookup through the resolver adapter.
const resolveTimeout = 10 * time.Second

// byteDuplex is the method set both tunnel realizations satisfy; kept local
// so this package doesn't need to name duplex.ByteDuplex's interface type
// directly in every signature.
type byteDuplex interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	CloseWrite() error
	Close() error
	SetDeadline(time.Time) error
}

// Peer is the server peer: it terminates tunnels and relays their decrypted
// payload to its declared destination.
type Peer struct {
	cfg     *config.ServerConfig
	suite   ssaead.CipherSuite
	log     *slog.Logger
	metrics *metrics.Metrics
	dns     *resolver.Resolver

	tcpListener net.Listener
	httpServer  *http.Server
	upgrader    *duplex.Upgrader
	tracker     *conntrack.Tracker[net.Conn]

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Peer from a validated ServerConfig.
func New(cfg *config.ServerConfig, log *slog.Logger, m *metrics.Metrics) (*Peer, error) {
	suite, err := ssaead.LookupSuite(cfg.Method)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	dns := resolver.New(resolver.DefaultCacheSize, resolver.DefaultTTL)
	dns.OnCacheHit = m.ResolverCacheHits.Inc
	dns.OnCacheMiss = m.ResolverCacheMisses.Inc
	tracker := conntrack.New[net.Conn]()
	tracker.OnChange = func(n int64) {
		m.ListenerConnections.WithLabelValues("tunnel").Set(float64(n))
	}
	return &Peer{
		cfg:     cfg,
		suite:   suite,
		log:     log,
		metrics: m,
		dns:     dns,
		tracker: tracker,
		stopCh:  make(chan struct{}),
	}, nil
}

// ListenAddr reports the address the tunnel listener is bound to. Useful
// after Start when the configured port was 0. This holds for tunnel=tcp
// only; for ws/wss it returns the configured address, port 0 included.
func (p *Peer) ListenAddr() string {
	if p.tcpListener != nil {
		return p.tcpListener.Addr().String()
	}
	return net.JoinHostPort(p.cfg.ListenAddress, fmt.Sprintf("%d", p.cfg.ListenPort))
}

// Start binds the tunnel listener: a raw TCP listener for tunnel=tcp, or an
// HTTP server upgrading to WebSocket for tunnel=ws/wss.
func (p *Peer) Start() error {
	addr := net.JoinHostPort(p.cfg.ListenAddress, fmt.Sprintf("%d", p.cfg.ListenPort))

	switch p.cfg.Tunnel {
	case config.TunnelWS, config.TunnelWSS:
		return p.startWebSocket(addr)
	default:
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("serverpeer: listen on %s: %w", addr, err)
		}
		p.tcpListener = ln
		p.log.Info("tunnel listener started", logging.KeyComponent, "serverpeer", "address", ln.Addr().String(), logging.KeyTransport, "tcp")

		p.wg.Add(1)
		go p.acceptLoop(ln)
		return nil
	}
}

func (p *Peer) startWebSocket(addr string) error {
	p.upgrader = duplex.NewUpgrader()

	mux := http.NewServeMux()
	mux.HandleFunc(p.cfg.WebSocketPath, p.handleWebSocketUpgrade)

	p.httpServer = &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("serverpeer: listen on %s: %w", addr, err)
	}

	p.wg.Add(1)
	if p.cfg.Tunnel == config.TunnelWSS {
		cert, err := tls.LoadX509KeyPair(p.cfg.TLS.Cert, p.cfg.TLS.Key)
		if err != nil {
			ln.Close()
			p.wg.Done()
			return fmt.Errorf("serverpeer: load TLS cert: %w", err)
		}
		tlsLn := tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
		go func() {
			defer p.wg.Done()
			if err := p.httpServer.Serve(tlsLn); err != nil && err != http.ErrServerClosed {
				p.log.Error("tunnel http server stopped", logging.KeyError, err)
			}
		}()
		p.log.Info("tunnel listener started", logging.KeyComponent, "serverpeer", "address", addr, logging.KeyTransport, "wss")
		return nil
	}

	go func() {
		defer p.wg.Done()
		if err := p.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.log.Error("tunnel http server stopped", logging.KeyError, err)
		}
	}()
	p.log.Info("tunnel listener started", logging.KeyComponent, "serverpeer", "address", addr, logging.KeyTransport, "ws")
	return nil
}

func (p *Peer) handleWebSocketUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r)
	if err != nil {
		p.log.Warn("websocket upgrade failed", logging.KeyError, err)
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer conn.Close()
		// WebSocket tunnels are not in the tracker, so close this one
		// directly when Stop is called.
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-p.stopCh:
				conn.Close()
			case <-done:
			}
		}()
		p.handleTunnel(conn)
	}()
}

// Stop closes the listener(s) and every open tunnel, then waits for the
// accept loops to exit.
func (p *Peer) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.tcpListener != nil {
			p.tcpListener.Close()
		}
		if p.httpServer != nil {
			p.httpServer.Close()
		}
		p.tracker.CloseAll()
	})
	p.wg.Wait()
}

// StopWithContext stops the peer, bounding the wait by ctx.
func (p *Peer) StopWithContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Peer) acceptLoop(ln net.Listener) {
	defer p.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-p.stopCh:
				return
			default:
				p.log.Warn("accept failed", logging.KeyComponent, "serverpeer", logging.KeyError, err)
				continue
			}
		}
		p.tracker.Add(conn)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.tracker.Remove(conn)
			defer conn.Close()
			p.handleTunnel(duplex.NewTCP(conn))
		}()
	}
}

// handleTunnel drives one tunnel connection: decrypt, recover the address
// header (first-payload hand-off), resolve and dial the destination, then
// relay until both directions have ended.
func (p *Peer) handleTunnel(tunnel byteDuplex) {
	sessionID := relay.NewSessionID()
	log := logging.WithSession(p.log, sessionID)

	masterKey := ssaead.MasterKey(p.cfg.Password, p.suite.KeyLen)
	dec := ssaead.NewDecryptor(p.suite, masterKey, tunnel)

	header, plaintext, err := relay.AwaitAddress(dec)
	if err != nil {
		log.Debug("first-payload hand-off failed", logging.KeyError, err)
		return
	}

	destHost := header.Host
	if header.Type == socksaddr.TypeDomain {
		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		resolved, err := p.dns.Resolve(ctx, header.Host)
		cancel()
		if err != nil {
			log.Warn("dns resolution failed", logging.KeyDestination, header.Host, logging.KeyError, err)
			return
		}
		destHost = resolved
	}

	destAddr := net.JoinHostPort(destHost, fmt.Sprintf("%d", header.Port))
	upstream, err := net.DialTimeout("tcp", destAddr, dialTimeout)
	if err != nil {
		log.Warn("upstream dial failed", logging.KeyDestination, destAddr, logging.KeyError, err)
		return
	}
	defer upstream.Close()

	enc, err := relay.NewOutboundEncryptor(p.suite, masterKey)
	if err != nil {
		log.Error("build encryptor failed", logging.KeyError, err)
		return
	}

	p.metrics.SessionsActive.Inc()
	p.metrics.SessionsTotal.Inc()
	defer p.metrics.SessionsActive.Dec()

	start := time.Now()
	stats, err := relay.Pipe(duplex.NewTCP(upstream), tunnel, enc, plaintext, p.cfg.Timeout.Duration())
	p.metrics.BytesTransferred.WithLabelValues("out").Add(float64(stats.BytesOut))
	p.metrics.BytesTransferred.WithLabelValues("in").Add(float64(stats.BytesIn))

	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
		if se, ok := err.(*relay.SessionError); ok {
			switch se.Kind {
			case relay.KindCodec:
				p.metrics.TagFailures.Inc()
			case relay.KindTimeout:
				level = slog.LevelInfo
			}
		}
	}
	log.Log(context.Background(), level, "session closed",
		logging.KeyDestination, destAddr,
		"bytes_out", humanize.Bytes(uint64(stats.BytesOut)),
		"bytes_in", humanize.Bytes(uint64(stats.BytesIn)),
		"duration", time.Since(start),
		logging.KeyError, err,
	)
}
