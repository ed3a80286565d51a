package transport

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"

	"github.com/mi-e2ee/client/constants"
)

const (
	kcpCookieSize = 16

	kcpFrameHello     = 0xFE
	kcpFrameChallenge = 0xFD
	kcpFrameResponse  = 0xFC
)

// kcpStream is the reliable-UDP Stream implementation: a cookie
// handshake (HELLO/CHALLENGE/RESPONSE) establishes the session, after
// which ikcp carries ordinary frames (spec.md §4.3). Mutually exclusive
// with TLS and with a SOCKS5 proxy.
type kcpStream struct {
	sess    *kcp.UDPSession
	timeout time.Duration
}

func newKCPStream(params Params) (*kcpStream, error) {
	addr := dialAddr(params.Host, params.Port)
	sess, err := kcp.DialWithOptions(addr, nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: kcp dial %s: %w", addr, err)
	}

	nodelay, interval, resend, nc := 1, 20, 2, 1
	if params.KCPNoDelay != 0 || params.KCPInterval != 0 || params.KCPResend != 0 || params.KCPNC != 0 {
		nodelay, interval, resend, nc = params.KCPNoDelay, params.KCPInterval, params.KCPResend, params.KCPNC
	}
	sess.SetNoDelay(nodelay, interval, resend, nc)
	if params.KCPMTU > 0 {
		sess.SetMtu(params.KCPMTU)
	}
	if params.KCPSndWnd > 0 || params.KCPRcvWnd > 0 {
		sess.SetWindowSize(params.KCPSndWnd, params.KCPRcvWnd)
	}

	timeout := params.KCPRequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	if err := kcpCookieHandshake(sess, timeout); err != nil {
		sess.Close()
		return nil, err
	}

	return &kcpStream{sess: sess, timeout: timeout}, nil
}

// kcpCookieHandshake runs the client side of the three-message handshake
// spec.md §4.3 describes: HELLO(conv) -> CHALLENGE(cookie) ->
// RESPONSE(cookie), all carried as ordinary frames over the already-
// established ikcp session.
func kcpCookieHandshake(sess *kcp.UDPSession, timeout time.Duration) error {
	if err := sess.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("transport: kcp set deadline: %w", err)
	}

	var convBuf [4]byte
	if _, err := rand.Read(convBuf[:]); err != nil {
		return fmt.Errorf("transport: kcp conv: %w", err)
	}
	hello := encodeFrame(kcpFrameHello, convBuf[:])
	if _, err := sess.Write(hello); err != nil {
		return fmt.Errorf("transport: kcp write hello: %w", err)
	}

	var hdr [constants.FrameHeaderSize]byte
	if _, err := io.ReadFull(sess, hdr[:]); err != nil {
		return fmt.Errorf("transport: kcp read challenge header: %w", err)
	}
	frameType, payloadLen, err := readFrameHeader(hdr)
	if err != nil {
		return err
	}
	if frameType != kcpFrameChallenge || payloadLen != kcpCookieSize {
		return fmt.Errorf("transport: kcp unexpected challenge frame")
	}
	cookie := make([]byte, kcpCookieSize)
	if _, err := io.ReadFull(sess, cookie); err != nil {
		return fmt.Errorf("transport: kcp read cookie: %w", err)
	}

	resp := encodeFrame(kcpFrameResponse, cookie)
	if _, err := sess.Write(resp); err != nil {
		return fmt.Errorf("transport: kcp write response: %w", err)
	}
	return nil
}

func (s *kcpStream) SendAndRecv(frameType byte, payload []byte) (byte, []byte, error) {
	if s.timeout > 0 {
		if err := s.sess.SetDeadline(time.Now().Add(s.timeout)); err != nil {
			return 0, nil, fmt.Errorf("transport: kcp set deadline: %w", err)
		}
	}
	req := encodeFrame(frameType, payload)
	if _, err := s.sess.Write(req); err != nil {
		return 0, nil, fmt.Errorf("transport: kcp write: %w", err)
	}

	var hdr [constants.FrameHeaderSize]byte
	if _, err := io.ReadFull(s.sess, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("transport: kcp read header: %w", err)
	}
	respType, payloadLen, err := readFrameHeader(hdr)
	if err != nil {
		return 0, nil, err
	}
	respPayload := make([]byte, payloadLen)
	if _, err := io.ReadFull(s.sess, respPayload); err != nil {
		return 0, nil, fmt.Errorf("transport: kcp read payload: %w", err)
	}
	return respType, respPayload, nil
}

func (s *kcpStream) Close() error {
	return s.sess.Close()
}
