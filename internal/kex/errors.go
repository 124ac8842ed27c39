package kex

import "errors"

// errDHOutOfRange rejects a peer DH public value outside (1, p-1), RFC 4253 §8.
var errDHOutOfRange = errors.New("sshcore: kex: peer's DH public value is out of range")

// ErrConnectionClosed is returned to any goroutine blocked waiting for the
// next key-exchange packet when the connection tears down mid-exchange.
var ErrConnectionClosed = errors.New("sshcore: kex: connection closed during key exchange")

// ErrAlreadyInProgress is returned by ExecKeyExchange when a key exchange
// (client- or server-initiated) is already running.
var ErrAlreadyInProgress = errors.New("sshcore: kex: exchange already in progress")
