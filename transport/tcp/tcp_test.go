package tcp

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcas-project/shard/transport"
)

func writeFrame(t *testing.T, conn net.Conn, payload []byte) {
	hdr := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(hdr[16:20], uint32(len(payload)))
	_, err := conn.Write(hdr)
	require.NoError(t, err)
	if len(payload) > 0 {
		_, err = conn.Write(payload)
		require.NoError(t, err)
	}
}

func acceptOne(t *testing.T, s *Server) transport.Connection {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, ok := s.Accept(); ok {
			return c
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for accept")
	return nil
}

func TestListenAcceptAndReadFrame(t *testing.T) {
	s := NewServer()
	require.NoError(t, s.Listen("127.0.0.1:0"))
	defer s.Close()

	addr := s.listener.Addr().String()
	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	writeFrame(t, client, []byte("hello"))

	conn := acceptOne(t, s)
	deadline := time.Now().Add(2 * time.Second)
	var msg []byte
	var ok bool
	for time.Now().Before(deadline) {
		msg, ok = conn.Peek()
		if ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, ok)
	require.Equal(t, "hello", string(msg))
	conn.Consume()
}

func TestPostResponseWritesFrameClientCanRead(t *testing.T) {
	s := NewServer()
	require.NoError(t, s.Listen("127.0.0.1:0"))
	defer s.Close()

	addr := s.listener.Addr().String()
	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	conn := acceptOne(t, s)
	require.NoError(t, conn.PostResponse([]byte("reply")))

	hdr := make([]byte, frameHeaderSize)
	_, err = client.Read(hdr)
	require.NoError(t, err)
	n := binary.BigEndian.Uint32(hdr[16:20])
	body := make([]byte, n)
	_, err = client.Read(body)
	require.NoError(t, err)
	require.Equal(t, "reply", string(body))
}

func TestRegisterDeregisterRoundtrips(t *testing.T) {
	s := NewServer()
	require.NoError(t, s.Listen("127.0.0.1:0"))
	defer s.Close()

	addr := s.listener.Addr().String()
	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	conn := acceptOne(t, s)
	key, err := conn.Register(0x1000, 64)
	require.NoError(t, err)
	require.NoError(t, conn.Deregister(key))
}
