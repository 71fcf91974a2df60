package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"
)

// endpointPair connects two framed endpoints over a loopback socket.
func endpointPair(t *testing.T, readTimeout time.Duration) (*Endpoint, *Endpoint) {
	t.Helper()

	ln, err := Listen("127.0.0.1:0", readTimeout, time.Second)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *Endpoint, 1)
	go func() {
		ep, err := ln.Accept()
		if err != nil {
			t.Errorf("Accept: %v", err)
			close(accepted)
			return
		}
		accepted <- ep
	}()

	client, err := Dial(ln.Addr().String(), time.Second, readTimeout, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	srv, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		client.Close()
		srv.Close()
	})
	return client, srv
}

func TestFrameRoundTrip(t *testing.T) {
	client, srv := endpointPair(t, 2*time.Second)

	payloads := [][]byte{
		[]byte(`{"msg_type":"action","action":"quit","time":1}`),
		{},
		bytes.Repeat([]byte{0xAB}, 64*1024),
	}

	for _, want := range payloads {
		if err := client.PutMessage(want); err != nil {
			t.Fatalf("PutMessage(%d bytes): %v", len(want), err)
		}
		got, err := srv.GetMessage()
		if err != nil {
			t.Fatalf("GetMessage: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame mismatch: got %d bytes, want %d", len(got), len(want))
		}
	}
}

func TestFramesKeepBoundaries(t *testing.T) {
	client, srv := endpointPair(t, 2*time.Second)

	for i := 0; i < 5; i++ {
		if err := client.PutMessage([]byte{byte(i)}); err != nil {
			t.Fatalf("PutMessage: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		got, err := srv.GetMessage()
		if err != nil {
			t.Fatalf("GetMessage %d: %v", i, err)
		}
		if len(got) != 1 || got[0] != byte(i) {
			t.Errorf("frame %d: got %v", i, got)
		}
	}
}

func TestGetMessagePeerClosed(t *testing.T) {
	client, srv := endpointPair(t, 2*time.Second)

	client.Close()
	if _, err := srv.GetMessage(); !errors.Is(err, ErrCommunication) {
		t.Errorf("GetMessage after peer close err = %v, want ErrCommunication", err)
	}
}

func TestGetMessageTimeoutMidFrame(t *testing.T) {
	client, srv := endpointPair(t, 150*time.Millisecond)

	// A header promising bytes that never come must trip the read deadline.
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 16)
	rawConn(t, client).Write(header[:])

	if _, err := srv.GetMessage(); !errors.Is(err, ErrCommunication) {
		t.Errorf("GetMessage on stalled frame err = %v, want ErrCommunication", err)
	}
}

func TestOversizeFrameRejected(t *testing.T) {
	client, srv := endpointPair(t, time.Second)

	if err := client.PutMessage(make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrCommunication) {
		t.Errorf("PutMessage oversize err = %v, want ErrCommunication", err)
	}

	// A forged oversize length prefix kills the reader too.
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	rawConn(t, client).Write(header[:])
	if _, err := srv.GetMessage(); !errors.Is(err, ErrCommunication) {
		t.Errorf("GetMessage forged length err = %v, want ErrCommunication", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	client, _ := endpointPair(t, time.Second)

	if err := client.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
	if err := client.PutMessage([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("PutMessage after Close err = %v, want ErrClosed", err)
	}
	if _, err := client.GetMessage(); !errors.Is(err, ErrClosed) {
		t.Errorf("GetMessage after Close err = %v, want ErrClosed", err)
	}
}

func rawConn(t *testing.T, e *Endpoint) net.Conn {
	t.Helper()
	if e.conn == nil {
		t.Fatal("endpoint has no connection")
	}
	return e.conn
}
