// Package errors implements spec.md §7's error taxonomy: a typed
// ErrorKind carried on every error the client core's public methods
// return, so a caller can classify a failure (Config, Transport, Trust,
// Auth, Protocol, Crypto, KT, State, Codec, DeviceSync) without parsing
// message text. Individual packages keep their own small sentinel
// errors.New(...) values (e.g. ratchet.ErrKeyNotFound, trust.ErrServerNotTrusted)
// the way the teacher's packages do; Wrap attaches one of these kinds
// when a sentinel crosses into a public core method's return path.
package errors

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure the way a UI needs to branch on it
// (e.g. "prompt for SAS confirmation" vs. "show a generic error").
type ErrorKind int

const (
	// KindUnknown is never intentionally returned; its presence on an
	// error indicates a Wrap call that did not set a kind.
	KindUnknown ErrorKind = iota
	KindConfig
	KindTransport
	KindTrust
	KindAuth
	KindProtocol
	KindCrypto
	KindKT
	KindState
	KindCodec
	KindDeviceSync
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindTransport:
		return "transport"
	case KindTrust:
		return "trust"
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	case KindCrypto:
		return "crypto"
	case KindKT:
		return "kt"
	case KindState:
		return "state"
	case KindCodec:
		return "codec"
	case KindDeviceSync:
		return "devicesync"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged error wrapping an underlying cause. Its
// Unwrap lets errors.Is/errors.As reach the original sentinel (e.g.
// trust.ErrServerNotTrusted) while Kind gives the caller a stable,
// UI-routable classification.
type Error struct {
	Kind ErrorKind
	Op   string // the public core method that returned this error, e.g. "SendText"
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with kind and the operation name that observed it. It
// returns nil if err is nil, so call sites can write
// `return errors.Wrap(errors.KindTransport, "Connect", err)` unconditionally.
func Wrap(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or any error it wraps) carries kind.
func Is(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the ErrorKind from err, or KindUnknown if err was not
// produced by Wrap.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
