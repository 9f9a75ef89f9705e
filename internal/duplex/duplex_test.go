package duplex

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestTCPRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	a := NewTCP(client)
	b := NewTCP(server)

	go a.Write([]byte("ping"))
	buf := make([]byte, 4)
	if _, err := b.Read(buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q", buf)
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	upgrader := NewUpgrader()
	serverCh := make(chan *WebSocket, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverCh <- ws
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(context.Background(), wsURL, DialOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	server := <-serverCh
	defer server.Close()

	if _, err := client.Write([]byte("hello tunnel")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 64)
	n, err := server.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != "hello tunnel" {
		t.Fatalf("got %q", got)
	}

	// A write larger than one Read buffer must still be delivered intact
	// across multiple Read calls, since WebSocket message boundaries are
	// not payload boundaries once treated as a byte stream.
	large := strings.Repeat("z", 9000)
	if _, err := server.Write([]byte(large)); err != nil {
		t.Fatalf("write large: %v", err)
	}
	got := make([]byte, 0, len(large))
	small := make([]byte, 37)
	for len(got) < len(large) {
		n, err := client.Read(small)
		if err != nil {
			t.Fatalf("read large: %v", err)
		}
		got = append(got, small[:n]...)
	}
	if string(got) != large {
		t.Fatalf("large message round trip mismatch: got %d bytes", len(got))
	}
}
