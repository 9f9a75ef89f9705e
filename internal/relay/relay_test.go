package relay

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/postalsys/shadowgate/internal/duplex"
	"github.com/postalsys/shadowgate/internal/socksaddr"
	"github.com/postalsys/shadowgate/internal/ssaead"
)

func buildCodecPair(t *testing.T, suite ssaead.CipherSuite, password string) (*ssaead.Encryptor, *ssaead.Decryptor, *ssaead.Encryptor, *ssaead.Decryptor, net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()

	masterKey := ssaead.MasterKey(password, suite.KeyLen)

	saltAB, err := ssaead.NewRandomSalt(suite.SaltLen)
	if err != nil {
		t.Fatal(err)
	}
	subkeyAB, err := ssaead.SubKey(masterKey, saltAB, suite.KeyLen)
	if err != nil {
		t.Fatal(err)
	}
	encA, err := ssaead.NewEncryptor(suite, subkeyAB, saltAB)
	if err != nil {
		t.Fatal(err)
	}
	decB := ssaead.NewDecryptor(suite, masterKey, b)

	saltBA, err := ssaead.NewRandomSalt(suite.SaltLen)
	if err != nil {
		t.Fatal(err)
	}
	subkeyBA, err := ssaead.SubKey(masterKey, saltBA, suite.KeyLen)
	if err != nil {
		t.Fatal(err)
	}
	encB, err := ssaead.NewEncryptor(suite, subkeyBA, saltBA)
	if err != nil {
		t.Fatal(err)
	}
	decA := ssaead.NewDecryptor(suite, masterKey, a)

	return encA, decA, encB, decB, a, b
}

func TestPipeEndToEndLocalStyle(t *testing.T) {
	suite := ssaead.AES128GCM
	encLocal, decLocal, encServer, decServer, connLocal, connServer := buildCodecPair(t, suite, "test")

	clientSide, clientApp := net.Pipe()
	upstreamSide, upstreamApp := net.Pipe()
	t.Cleanup(func() {
		clientSide.Close()
		clientApp.Close()
		upstreamSide.Close()
		upstreamApp.Close()
		connLocal.Close()
		connServer.Close()
	})

	go func() {
		Pipe(duplex.NewTCP(clientSide), duplex.NewTCP(connLocal), encLocal, decLocal, 0)
	}()
	go func() {
		Pipe(duplex.NewTCP(upstreamSide), duplex.NewTCP(connServer), encServer, decServer, 0)
	}()

	go func() {
		clientApp.Write([]byte("ping"))
	}()
	buf := make([]byte, 4)
	if _, err := io.ReadFull(upstreamApp, buf); err != nil {
		t.Fatalf("upstream did not receive plaintext: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q", buf)
	}

	go func() {
		upstreamApp.Write([]byte("pong"))
	}()
	buf2 := make([]byte, 4)
	if _, err := io.ReadFull(clientApp, buf2); err != nil {
		t.Fatalf("client did not receive reply: %v", err)
	}
	if string(buf2) != "pong" {
		t.Fatalf("got %q", buf2)
	}
}

func TestAwaitAddressPreConnectBuffering(t *testing.T) {
	suite := ssaead.AES256GCM
	masterKey := ssaead.MasterKey("buffered", suite.KeyLen)

	salt, _ := ssaead.NewRandomSalt(suite.SaltLen)
	subkey, _ := ssaead.SubKey(masterKey, salt, suite.KeyLen)
	enc, err := ssaead.NewEncryptor(suite, subkey, salt)
	if err != nil {
		t.Fatal(err)
	}

	header, err := socksaddr.Emit(socksaddr.TypeDomain, "example.com", 80)
	if err != nil {
		t.Fatal(err)
	}

	var wire bytes.Buffer
	// First frame: address header + a few extra payload bytes that arrive
	// before upstream is connected (pre-connect buffering).
	firstFrame := append(append([]byte(nil), header...), []byte("GET /")...)
	if _, err := enc.WriteTo(&wire, firstFrame); err != nil {
		t.Fatal(err)
	}
	// Second frame: more bytes that arrive while still "dialing".
	if _, err := enc.WriteTo(&wire, []byte(" HTTP/1.1\r\n")); err != nil {
		t.Fatal(err)
	}

	dec := ssaead.NewDecryptor(suite, masterKey, &wire)
	hdr, reader, err := AwaitAddress(dec)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Host != "example.com" || hdr.Port != 80 {
		t.Fatalf("unexpected header: %+v", hdr)
	}

	got := make([]byte, 0, 64)
	buf := make([]byte, 4)
	want := "GET / HTTP/1.1\r\n"
	for len(got) < len(want) {
		n, err := reader.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil && err != io.EOF {
			t.Fatalf("read buffered bytes: %v", err)
		}
	}
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

// TestPipe_InactivityTimeout covers testable scenario E4: a tunnel left
// idle in both directions for longer than the configured timeout must be
// torn down, with the error classified as a graceful KindTimeout rather
// than a generic transport failure.
func TestPipe_InactivityTimeout(t *testing.T) {
	suite := ssaead.AES128GCM
	masterKey := ssaead.MasterKey("idle-tunnel", suite.KeyLen)

	salt, err := ssaead.NewRandomSalt(suite.SaltLen)
	if err != nil {
		t.Fatal(err)
	}
	subkey, err := ssaead.SubKey(masterKey, salt, suite.KeyLen)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := ssaead.NewEncryptor(suite, subkey, salt)
	if err != nil {
		t.Fatal(err)
	}

	plainNear, plainFar := net.Pipe()
	cipherNear, cipherFar := net.Pipe()
	t.Cleanup(func() {
		plainNear.Close()
		plainFar.Close()
		cipherNear.Close()
		cipherFar.Close()
	})

	dec := ssaead.NewDecryptor(suite, masterKey, cipherNear)

	done := make(chan struct{})
	var stats Stats
	var pipeErr error
	go func() {
		stats, pipeErr = Pipe(duplex.NewTCP(plainNear), duplex.NewTCP(cipherNear), enc, dec, 20*time.Millisecond)
		close(done)
	}()

	// Neither plainFar nor cipherFar ever writes or reads: both legs sit
	// idle until the deadline expires.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Pipe did not return within the expected teardown window")
	}

	if pipeErr == nil {
		t.Fatal("expected a timeout error, got nil")
	}
	var sessErr *SessionError
	if !errors.As(pipeErr, &sessErr) {
		t.Fatalf("expected a *SessionError, got %T: %v", pipeErr, pipeErr)
	}
	if sessErr.Kind != KindTimeout {
		t.Fatalf("expected KindTimeout, got %v", sessErr.Kind)
	}
	if stats.BytesOut != 0 || stats.BytesIn != 0 {
		t.Fatalf("expected no bytes moved on an idle tunnel, got %+v", stats)
	}
}

