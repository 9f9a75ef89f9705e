package localpeer

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/postalsys/shadowgate/internal/config"
	"github.com/postalsys/shadowgate/internal/logging"
	"github.com/postalsys/shadowgate/internal/metrics"
	"github.com/postalsys/shadowgate/internal/serverpeer"
	"github.com/postalsys/shadowgate/internal/socks5"
)

// echoListener accepts one connection and echoes everything it reads back,
// standing in for the real destination a CONNECT request names.
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

// socks5Connect drives the client half of the SOCKS5 handshake against
// conn: version/method negotiation, then a CONNECT request for destAddr,
// returning the server's reply code.
func socks5Connect(t *testing.T, conn net.Conn, destAddr *net.TCPAddr) byte {
	t.Helper()
	if _, err := conn.Write([]byte{socks5.Version, 1, socks5.MethodNoAuth}); err != nil {
		t.Fatal(err)
	}
	methodReply := make([]byte, 2)
	if _, err := io.ReadFull(conn, methodReply); err != nil {
		t.Fatal(err)
	}
	if methodReply[0] != socks5.Version || methodReply[1] != socks5.MethodNoAuth {
		t.Fatalf("unexpected method reply %v", methodReply)
	}

	ip4 := destAddr.IP.To4()
	req := []byte{socks5.Version, socks5.CmdConnect, 0x00, 0x01}
	req = append(req, ip4...)
	port := make([]byte, 2)
	port[0] = byte(destAddr.Port >> 8)
	port[1] = byte(destAddr.Port)
	req = append(req, port...)
	if _, err := conn.Write(req); err != nil {
		t.Fatal(err)
	}

	reply := make([]byte, 4)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatal(err)
	}
	// Drain the BND.ADDR/BND.PORT that follows an IPv4 reply.
	rest := make([]byte, 4+2)
	io.ReadFull(conn, rest)
	return reply[1]
}

func TestLocalPeerTunnelsSOCKS5ConnectToDestination(t *testing.T) {
	upstream := echoListener(t)
	defer upstream.Close()
	destAddr := upstream.Addr().(*net.TCPAddr)

	serverCfg := config.DefaultServerConfig()
	serverCfg.ListenAddress = "127.0.0.1"
	serverCfg.ListenPort = 0
	serverCfg.Password = "s3cret"

	server, err := serverpeer.New(serverCfg, logging.NopLogger(), metrics.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}
	defer server.Stop()
	serverAddr := server.ListenAddr()

	localCfg := config.DefaultLocalConfig()
	localCfg.LocalAddress = "127.0.0.1"
	localCfg.LocalPort = 0
	localCfg.Password = serverCfg.Password
	host, portStr, err := net.SplitHostPort(serverAddr)
	if err != nil {
		t.Fatal(err)
	}
	localCfg.Server = host
	localCfg.ServerPort = atoiOrFatal(t, portStr)

	local, err := New(localCfg, logging.NopLogger(), metrics.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := local.Start(); err != nil {
		t.Fatal(err)
	}
	defer local.Stop()

	conn, err := net.Dial("tcp", local.socksListener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if reply := socks5Connect(t, conn, destAddr); reply != socks5.ReplySucceeded {
		t.Fatalf("connect reply = %d, want %d", reply, socks5.ReplySucceeded)
	}

	payload := []byte("hello through the gateway")
	if _, err := conn.Write(payload); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestLocalPeerClosesSessionForUnreachableDestination(t *testing.T) {
	serverCfg := config.DefaultServerConfig()
	serverCfg.ListenAddress = "127.0.0.1"
	serverCfg.ListenPort = 0
	serverCfg.Password = "s3cret"

	server, err := serverpeer.New(serverCfg, logging.NopLogger(), metrics.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}
	defer server.Stop()
	serverAddr := server.ListenAddr()

	localCfg := config.DefaultLocalConfig()
	localCfg.LocalAddress = "127.0.0.1"
	localCfg.LocalPort = 0
	localCfg.Password = serverCfg.Password
	host, portStr, err := net.SplitHostPort(serverAddr)
	if err != nil {
		t.Fatal(err)
	}
	localCfg.Server = host
	localCfg.ServerPort = atoiOrFatal(t, portStr)

	local, err := New(localCfg, logging.NopLogger(), metrics.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := local.Start(); err != nil {
		t.Fatal(err)
	}
	defer local.Stop()

	conn, err := net.Dial("tcp", local.socksListener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Port 1 on loopback is never listening in this test environment. The
	// local peer only knows whether the tunnel connected, so it replies
	// success; the server peer then fails to dial the destination and tears
	// the tunnel down, which must close the client's session.
	destAddr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if reply := socks5Connect(t, conn, destAddr); reply != socks5.ReplySucceeded {
		t.Fatalf("connect reply = %d, want %d once the tunnel is up", reply, socks5.ReplySucceeded)
	}
	if n, err := conn.Read(make([]byte, 1)); n != 0 || err != io.EOF {
		t.Fatalf("expected the session to close with EOF for an unreachable destination, got (%d, %v)", n, err)
	}
}

func atoiOrFatal(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			t.Fatalf("not a port number: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n
}
