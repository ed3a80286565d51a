package transport

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/mi-e2ee/client/constants"
)

// tcpStream is the plain-TCP Stream implementation.
type tcpStream struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialTCP(params Params) (net.Conn, error) {
	addr := dialAddr(params.Host, params.Port)
	dialer, err := buildDialer(params)
	if err != nil {
		return nil, err
	}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: tcp dial %s: %w", addr, err)
	}
	return conn, nil
}

func buildDialer(params Params) (proxy.Dialer, error) {
	if params.ProxyType != "socks5" {
		return &net.Dialer{Timeout: constants.TCPRoundTripTimeout}, nil
	}
	var auth *proxy.Auth
	if params.ProxyUsername != "" {
		auth = &proxy.Auth{User: params.ProxyUsername, Password: params.ProxyPassword}
	}
	proxyAddr := dialAddr(params.ProxyHost, params.ProxyPort)
	d, err := proxy.SOCKS5("tcp", proxyAddr, auth, &net.Dialer{Timeout: constants.TCPRoundTripTimeout})
	if err != nil {
		return nil, fmt.Errorf("transport: build socks5 dialer: %w", err)
	}
	return d, nil
}

func newTCPStream(params Params) (*tcpStream, error) {
	conn, err := dialTCP(params)
	if err != nil {
		return nil, err
	}
	return &tcpStream{conn: conn, r: bufio.NewReader(conn)}, nil
}

func (s *tcpStream) SendAndRecv(frameType byte, payload []byte) (byte, []byte, error) {
	return sendAndRecvOnConn(s.conn, s.r, frameType, payload, constants.TCPRoundTripTimeout)
}

func (s *tcpStream) Close() error {
	return s.conn.Close()
}

// sendAndRecvOnConn implements the shared TCP/TLS framing contract:
// write the request frame, read exactly the header, then exactly
// payload_len bytes.
func sendAndRecvOnConn(conn net.Conn, r *bufio.Reader, frameType byte, payload []byte, timeout time.Duration) (byte, []byte, error) {
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return 0, nil, fmt.Errorf("transport: set deadline: %w", err)
		}
	}
	req := encodeFrame(frameType, payload)
	if _, err := conn.Write(req); err != nil {
		return 0, nil, fmt.Errorf("transport: write: %w", err)
	}

	var hdr [constants.FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("transport: read header: %w", err)
	}
	respType, payloadLen, err := readFrameHeader(hdr)
	if err != nil {
		return 0, nil, err
	}
	respPayload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, respPayload); err != nil {
		return 0, nil, fmt.Errorf("transport: read payload: %w", err)
	}
	return respType, respPayload, nil
}
