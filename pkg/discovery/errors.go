package discovery

import "errors"

var (
	ErrNotLeader         = errors.New("discovery: not leader")
	ErrNotStarted        = errors.New("discovery: not started")
	ErrAlreadyStarted    = errors.New("discovery: already started")
	ErrQuorumUnavailable = errors.New("discovery: quorum unavailable")
	ErrVersionMismatch   = errors.New("discovery: version mismatch")
	ErrUnreachable       = errors.New("discovery: unreachable")
	ErrStartupTimeout    = errors.New("discovery: startup timeout")
)
