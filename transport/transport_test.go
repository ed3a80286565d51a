package transport

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"testing"

	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/stretchr/testify/require"

	"github.com/mi-e2ee/client/constants"
)

// echoTCPServer accepts a single connection, reads one frame, and
// replies with a frame of the same type whose payload is the request
// payload reversed — enough to prove the frame codec round-trips
// independently through SendAndRecv.
func echoTCPServer(t *testing.T, ln net.Listener) {
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	var hdr [constants.FrameHeaderSize]byte
	_, err = io.ReadFull(r, hdr[:])
	require.NoError(t, err)
	frameType, payloadLen, err := readFrameHeader(hdr)
	require.NoError(t, err)
	payload := make([]byte, payloadLen)
	_, err = io.ReadFull(r, payload)
	require.NoError(t, err)

	reversed := make([]byte, len(payload))
	for i := range payload {
		reversed[i] = payload[len(payload)-1-i]
	}
	_, err = conn.Write(encodeFrame(frameType, reversed))
	require.NoError(t, err)
}

func TestTCPStreamSendAndRecvRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		echoTCPServer(t, ln)
	}()

	params := Params{Mode: ModeTCP, Host: host, Port: port}
	stream, err := Dial(params, nil)
	require.NoError(t, err)
	defer stream.Close()

	respType, respPayload, err := stream.SendAndRecv(7, []byte("abcd"))
	require.NoError(t, err)
	require.Equal(t, byte(7), respType)
	require.Equal(t, []byte("dcba"), respPayload)

	<-done
}

func TestCacheDropsOnError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	connCount := 0
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			connCount++
			conn.Close() // close immediately so SendAndRecv fails, proving Drop reconnects
		}
	}()

	cache := NewCache(nil)
	params := Params{Mode: ModeTCP, Host: host, Port: port}

	_, _, err = cache.SendAndRecv(params, 1, []byte("x"))
	require.Error(t, err)

	_, _, err = cache.SendAndRecv(params, 1, []byte("x"))
	require.Error(t, err)
}

func TestCacheRebuildsOnParamChange(t *testing.T) {
	ln1, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln1.Close()
	ln2, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln2.Close()

	host1, port1Str, err := net.SplitHostPort(ln1.Addr().String())
	require.NoError(t, err)
	port1, err := strconv.Atoi(port1Str)
	require.NoError(t, err)
	host2, port2Str, err := net.SplitHostPort(ln2.Addr().String())
	require.NoError(t, err)
	port2, err := strconv.Atoi(port2Str)
	require.NoError(t, err)

	go echoTCPServer(t, ln1)
	go echoTCPServer(t, ln2)

	cache := NewCache(nil)
	_, _, err = cache.SendAndRecv(Params{Mode: ModeTCP, Host: host1, Port: port1}, 1, []byte("ab"))
	require.NoError(t, err)

	_, _, err = cache.SendAndRecv(Params{Mode: ModeTCP, Host: host2, Port: port2}, 1, []byte("cd"))
	require.NoError(t, err)
}

// kcpEchoServer runs the server side of the cookie handshake plus one
// echoed frame over a single accepted KCP session.
func kcpEchoServer(t *testing.T, ln *kcp.Listener) {
	sess, err := ln.AcceptKCP()
	require.NoError(t, err)
	defer sess.Close()

	var helloHdr [constants.FrameHeaderSize]byte
	_, err = io.ReadFull(sess, helloHdr[:])
	require.NoError(t, err)
	frameType, payloadLen, err := readFrameHeader(helloHdr)
	require.NoError(t, err)
	require.Equal(t, byte(kcpFrameHello), frameType)
	conv := make([]byte, payloadLen)
	_, err = io.ReadFull(sess, conv)
	require.NoError(t, err)

	cookie := make([]byte, kcpCookieSize)
	for i := range cookie {
		cookie[i] = byte(i)
	}
	_, err = sess.Write(encodeFrame(kcpFrameChallenge, cookie))
	require.NoError(t, err)

	var respHdr [constants.FrameHeaderSize]byte
	_, err = io.ReadFull(sess, respHdr[:])
	require.NoError(t, err)
	frameType, payloadLen, err = readFrameHeader(respHdr)
	require.NoError(t, err)
	require.Equal(t, byte(kcpFrameResponse), frameType)
	gotCookie := make([]byte, payloadLen)
	_, err = io.ReadFull(sess, gotCookie)
	require.NoError(t, err)
	require.Equal(t, cookie, gotCookie)

	var hdr [constants.FrameHeaderSize]byte
	_, err = io.ReadFull(sess, hdr[:])
	require.NoError(t, err)
	frameType, payloadLen, err = readFrameHeader(hdr)
	require.NoError(t, err)
	payload := make([]byte, payloadLen)
	_, err = io.ReadFull(sess, payload)
	require.NoError(t, err)
	_, err = sess.Write(encodeFrame(frameType, payload))
	require.NoError(t, err)
}

func TestKCPStreamCookieHandshakeAndSendAndRecv(t *testing.T) {
	ln, err := kcp.ListenWithOptions("127.0.0.1:0", nil, 0, 0)
	require.NoError(t, err)
	defer ln.Close()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		kcpEchoServer(t, ln)
	}()

	params := Params{Mode: ModeKCP, Host: host, Port: port}
	stream, err := Dial(params, nil)
	require.NoError(t, err)
	defer stream.Close()

	respType, respPayload, err := stream.SendAndRecv(9, []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, byte(9), respType)
	require.Equal(t, []byte("ping"), respPayload)

	<-done
}
