package serverpeer

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/postalsys/shadowgate/internal/config"
	"github.com/postalsys/shadowgate/internal/logging"
	"github.com/postalsys/shadowgate/internal/metrics"
	"github.com/postalsys/shadowgate/internal/relay"
	"github.com/postalsys/shadowgate/internal/socksaddr"
	"github.com/postalsys/shadowgate/internal/ssaead"
)

// echoListener accepts one connection and echoes everything it reads back
// to the caller, so a tunnel session has a concrete destination to relay
// against.
func echoListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()
	return ln
}

func TestPeerRelaysTunnelToDestination(t *testing.T) {
	upstream := echoListener(t)
	defer upstream.Close()
	destAddr := upstream.Addr().(*net.TCPAddr)

	cfg := config.DefaultServerConfig()
	cfg.ListenAddress = "127.0.0.1"
	cfg.ListenPort = 0
	cfg.Password = "s3cret"

	peer, err := New(cfg, logging.NopLogger(), metrics.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := peer.Start(); err != nil {
		t.Fatal(err)
	}
	defer peer.Stop()
	listenAddr := peer.ListenAddr()

	suite, err := ssaead.LookupSuite(cfg.Method)
	if err != nil {
		t.Fatal(err)
	}
	masterKey := ssaead.MasterKey(cfg.Password, suite.KeyLen)

	conn, err := net.Dial("tcp", listenAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	enc, err := relay.NewOutboundEncryptor(suite, masterKey)
	if err != nil {
		t.Fatal(err)
	}
	header, err := socksaddr.Emit(socksaddr.TypeIPv4, destAddr.IP.String(), uint16(destAddr.Port))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.WriteTo(conn, header); err != nil {
		t.Fatal(err)
	}
	payload := []byte("ping over the tunnel")
	if _, err := enc.WriteTo(conn, payload); err != nil {
		t.Fatal(err)
	}

	dec := ssaead.NewDecryptor(suite, masterKey, conn)
	got := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(dec, got); err != nil {
		t.Fatalf("read echoed payload: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestPeerWebSocketTunnelStartsHTTPServer(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.ListenAddress = "127.0.0.1"
	cfg.Tunnel = config.TunnelWS
	cfg.ListenPort = 0
	cfg.Password = "s3cret"
	cfg.WebSocketPath = "/tunnel"

	peer, err := New(cfg, logging.NopLogger(), metrics.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := peer.Start(); err != nil {
		t.Fatal(err)
	}
	defer peer.Stop()

	if peer.httpServer == nil {
		t.Fatal("expected http server for ws tunnel")
	}
}
