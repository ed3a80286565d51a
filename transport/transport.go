// Package transport implements the client's single logical
// request/response channel to the server (spec.md §4.3): a polymorphic
// Stream chosen at connect time between plain TCP, TLS with certificate
// pinning, or a cookie-handshaked KCP (reliable UDP) tunnel. All three
// share the same frame shape — type(u8) || payload_len(u32 LE) ||
// payload — and the same single-flight send_and_recv contract: on any
// I/O error the stream is dropped and the next call reconnects.
package transport

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/wire"
)

var log = logging.MustGetLogger("mi-e2ee/transport")

// ErrFrameTooLarge guards against a maliciously large payload_len before
// allocating a read buffer.
var ErrFrameTooLarge = errors.New("transport: frame payload too large")

// MaxFramePayload bounds a single frame's payload_len field.
const MaxFramePayload = 32 * 1024 * 1024

// Mode selects which Stream implementation Dial builds.
type Mode int

const (
	ModeTCP Mode = iota
	ModeTLS
	ModeKCP
)

// Params is the connection configuration a cached Stream is built from
// and compared against on every call — spec.md §4.3: "if the cached
// stream's parameters change, the cache is dropped and a fresh
// connection is built."
type Params struct {
	Mode Mode
	Host string
	Port int

	// TLS
	PinnedFingerprint [32]byte // SHA-256 of the server cert, zero if unpinned (CA mode)
	VerifyMode        string   // "ca", "pin", or "cap" (both)
	CABundlePath      string

	// Proxy (TCP/TLS only; mutually exclusive with KCP)
	ProxyType     string // "none" or "socks5"
	ProxyHost     string
	ProxyPort     int
	ProxyUsername string
	ProxyPassword string

	// KCP tuning
	KCPMTU                                     int
	KCPSndWnd, KCPRcvWnd                       int
	KCPNoDelay, KCPInterval, KCPResend, KCPNC  int
	KCPMinRTO                                  int
	KCPRequestTimeout                          time.Duration
	KCPSessionIdle                             time.Duration
}

// Equal reports whether two Params describe the same cacheable
// connection.
func (p Params) Equal(o Params) bool {
	return p == o
}

// Stream is the capability set spec.md §4.9 (Polymorphism) names:
// {connect, send_and_recv, close}.
type Stream interface {
	SendAndRecv(frameType byte, payload []byte) (respType byte, respPayload []byte, err error)
	Close() error
}

// Frame encodes type(u8) || payload_len(u32 LE) || payload.
func encodeFrame(frameType byte, payload []byte) []byte {
	out := make([]byte, 0, constants.FrameHeaderSize+len(payload))
	out = append(out, frameType)
	out = wire.WriteUint32(uint32(len(payload)), out)
	out = append(out, payload...)
	return out
}

// readFrameHeader decodes type(u8) || payload_len(u32 LE) from a 5-byte
// header already read off the wire.
func readFrameHeader(hdr [constants.FrameHeaderSize]byte) (frameType byte, payloadLen uint32, err error) {
	frameType = hdr[0]
	off := 1
	payloadLen, err = wire.ReadUint32(hdr[:], &off)
	if err != nil {
		return 0, 0, err
	}
	if payloadLen > MaxFramePayload {
		return 0, 0, ErrFrameTooLarge
	}
	return frameType, payloadLen, nil
}

func dialAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
