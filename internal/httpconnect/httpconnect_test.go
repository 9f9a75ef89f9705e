package httpconnect

import (
	"bufio"
	"net"
	"testing"
)

func TestReadRequestDomainTarget(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type result struct {
		req *Request
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		req, err := ReadRequest(server)
		resCh <- result{req, err}
	}()

	client.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))

	res := <-resCh
	if res.err != nil {
		t.Fatal(res.err)
	}
	if res.req.Header.Host != "example.com" || res.req.Header.Port != 443 {
		t.Fatalf("unexpected header: %+v", res.req.Header)
	}
}

func TestReadRequestIPv4Target(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	resCh := make(chan *Request, 1)
	errCh := make(chan error, 1)
	go func() {
		req, err := ReadRequest(server)
		resCh <- req
		errCh <- err
	}()

	client.Write([]byte("CONNECT 127.0.0.1:9 HTTP/1.1\r\n\r\n"))

	req := <-resCh
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
	if req.Header.Host != "127.0.0.1" || req.Header.Port != 9 {
		t.Fatalf("unexpected header: %+v", req.Header)
	}
}

func TestReadRequestRejectsNonConnect(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := ReadRequest(server)
		errCh <- err
	}()

	client.Write([]byte("GET / HTTP/1.1\r\n\r\n"))

	if err := <-errCh; err != ErrNotConnect {
		t.Fatalf("want ErrNotConnect, got %v", err)
	}
}

func TestWriteEstablished(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go WriteEstablished(server)

	line, err := bufio.NewReader(client).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("got %q", line)
	}
}
