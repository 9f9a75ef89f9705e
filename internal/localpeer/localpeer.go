// Package localpeer wires the local peer's two client-facing listeners
// (SOCKS5 and HTTP CONNECT) to the encrypted tunnel.
//
// Listener lifecycle, conn tracking, per-connection idle deadline, and
// graceful Stop/StopWithContext follow the same shape as the server peer's.
package localpeer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/shadowgate/internal/config"
	"github.com/postalsys/shadowgate/internal/conntrack"
	"github.com/postalsys/shadowgate/internal/duplex"
	"github.com/postalsys/shadowgate/internal/httpconnect"
	"github.com/postalsys/shadowgate/internal/logging"
	"github.com/postalsys/shadowgate/internal/metrics"
	"github.com/postalsys/shadowgate/internal/relay"
	"github.com/postalsys/shadowgate/internal/socks5"
	"github.com/postalsys/shadowgate/internal/socksaddr"
	"github.com/postalsys/shadowgate/internal/ssaead"
)

// Peer is the local peer: it accepts SOCKS5 and (optionally) HTTP CONNECT
// clients and tunnels each CONNECT to the configured server peer.
type Peer struct {
	cfg     *config.LocalConfig
	suite   ssaead.CipherSuite
	log     *slog.Logger
	metrics *metrics.Metrics

	socksListener net.Listener
	httpListener  net.Listener
	tracker       *conntrack.Tracker[net.Conn]

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Peer from a validated LocalConfig.
func New(cfg *config.LocalConfig, log *slog.Logger, m *metrics.Metrics) (*Peer, error) {
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
	tracker := conntrack.New[net.Conn]()
	tracker.OnChange = func(n int64) {
		m.ListenerConnections.WithLabelValues("local").Set(float64(n))
	}
	return &Peer{
		cfg:     cfg,
		suite:   suite,
		log:     log,
		metrics: m,
		tracker: tracker,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start binds the SOCKS5 listener, and the HTTP CONNECT listener if
// local_http_port is configured, then returns once both accept loops are
// running.
func (p *Peer) Start() error {
	socksAddr := net.JoinHostPort(p.cfg.LocalAddress, fmt.Sprintf("%d", p.cfg.LocalPort))
	ln, err := net.Listen("tcp", socksAddr)
	if err != nil {
		return fmt.Errorf("localpeer: listen SOCKS5 on %s: %w", socksAddr, err)
	}
	p.socksListener = ln
	p.log.Info("socks5 listener started", logging.KeyComponent, "localpeer", "address", ln.Addr().String())

	p.wg.Add(1)
	go p.acceptLoop(ln, p.handleSOCKS5Conn)

	if p.cfg.LocalHTTPPort > 0 {
		httpAddr := net.JoinHostPort(p.cfg.LocalAddress, fmt.Sprintf("%d", p.cfg.LocalHTTPPort))
		hln, err := net.Listen("tcp", httpAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("localpeer: listen HTTP CONNECT on %s: %w", httpAddr, err)
		}
		p.httpListener = hln
		p.log.Info("http connect listener started", logging.KeyComponent, "localpeer", "address", hln.Addr().String())

		p.wg.Add(1)
		go p.acceptLoop(hln, p.handleHTTPConn)
	}

	return nil
}

// Stop closes both listeners and every open session, then waits for the
// accept loops to exit.
func (p *Peer) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.socksListener != nil {
			p.socksListener.Close()
		}
		if p.httpListener != nil {
			p.httpListener.Close()
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

func (p *Peer) acceptLoop(ln net.Listener, handle func(net.Conn)) {
	defer p.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-p.stopCh:
				return
			default:
				p.log.Warn("accept failed", logging.KeyComponent, "localpeer", logging.KeyError, err)
				continue
			}
		}
		p.tracker.Add(conn)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.tracker.Remove(conn)
			defer conn.Close()
			handle(conn)
		}()
	}
}

// handleSOCKS5Conn drives one SOCKS5 CONNECT client through the greeting
// and request phases, then tunnels it.
func (p *Peer) handleSOCKS5Conn(conn net.Conn) {
	sessionID := relay.NewSessionID()
	log := logging.WithSession(p.log, sessionID)

	if err := socks5.Greet(conn); err != nil {
		log.Debug("socks5 greeting rejected", logging.KeyError, err)
		return
	}
	req, err := socks5.ReadRequest(conn)
	if err != nil {
		log.Debug("socks5 request rejected", logging.KeyError, err)
		return
	}
	p.relayRequest(conn, req.Header, req.HeaderBytes, log, func(reply byte) error {
		var ip net.IP
		if reply == socks5.ReplySucceeded {
			ip = net.IPv4zero
		}
		return socks5.WriteReply(conn, reply, ip, 0)
	})
}

// handleHTTPConn drives one HTTP CONNECT client through the request line
// and replies with the standard "200 Connection Established" once the
// tunnel is up, mirroring the SOCKS5 path's deferred-success-reply rule.
func (p *Peer) handleHTTPConn(conn net.Conn) {
	sessionID := relay.NewSessionID()
	log := logging.WithSession(p.log, sessionID)

	req, err := httpconnect.ReadRequest(conn)
	if err != nil {
		log.Debug("http connect request rejected", logging.KeyError, err)
		return
	}
	p.relayRequest(req.Conn, req.Header, req.HeaderBytes, log, func(reply byte) error {
		if reply == socks5.ReplySucceeded {
			return httpconnect.WriteEstablished(conn)
		}
		return httpconnect.WriteFailure(conn, "502 Bad Gateway")
	})
}

// relayRequest dials the tunnel for the already-parsed destination header,
// writes the front-end-specific reply via sendReply only after the tunnel's
// transport is connected (never before), then runs the
// full-duplex relay until both directions have ended.
func (p *Peer) relayRequest(conn net.Conn, header socksaddr.Header, headerBytes []byte, log *slog.Logger, sendReply func(reply byte) error) {
	tunnel, err := p.dialTunnel(context.Background())
	if err != nil {
		log.Warn("tunnel dial failed", logging.KeyDestination, header.HostPort(), logging.KeyError, err)
		sendReply(socks5.MapDialError(err))
		return
	}
	defer tunnel.Close()

	if err := sendReply(socks5.ReplySucceeded); err != nil {
		log.Debug("reply write failed", logging.KeyError, err)
		return
	}

	masterKey := ssaead.MasterKey(p.cfg.Password, p.suite.KeyLen)
	enc, err := relay.NewOutboundEncryptor(p.suite, masterKey)
	if err != nil {
		log.Error("build encryptor failed", logging.KeyError, err)
		return
	}
	if _, err := enc.WriteTo(tunnel, headerBytes); err != nil {
		log.Debug("address header write failed", logging.KeyError, err)
		return
	}
	dec := ssaead.NewDecryptor(p.suite, masterKey, tunnel)

	p.metrics.SessionsActive.Inc()
	p.metrics.SessionsTotal.Inc()
	defer p.metrics.SessionsActive.Dec()

	start := time.Now()
	stats, err := relay.Pipe(duplex.NewTCP(conn), tunnel, enc, dec, p.cfg.Timeout.Duration())
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
		logging.KeyDestination, header.HostPort(),
		"bytes_out", humanize.Bytes(uint64(stats.BytesOut)),
		"bytes_in", humanize.Bytes(uint64(stats.BytesIn)),
		"duration", time.Since(start),
		logging.KeyError, err,
	)
}

// dialTunnel opens the configured transport (tcp, ws, or wss) to the server
// peer, returning it as a duplex.ByteDuplex (component G).
func (p *Peer) dialTunnel(ctx context.Context) (interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	CloseWrite() error
	Close() error
	SetDeadline(time.Time) error
}, error) {
	addr := net.JoinHostPort(p.cfg.Server, fmt.Sprintf("%d", p.cfg.ServerPort))

	switch p.cfg.Tunnel {
	case config.TunnelWS, config.TunnelWSS:
		scheme := "ws"
		if p.cfg.Tunnel == config.TunnelWSS {
			scheme = "wss"
		}
		url := fmt.Sprintf("%s://%s%s", scheme, addr, duplex.DefaultPath)
		return duplex.Dial(ctx, url, duplex.DialOptions{Timeout: 30 * time.Second})
	default:
		conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
		if err != nil {
			return nil, fmt.Errorf("localpeer: dial tunnel %s: %w", addr, err)
		}
		return duplex.NewTCP(conn), nil
	}
}
