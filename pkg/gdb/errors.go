package gdb

import "errors"

var (
	ErrListen          = errors.New("gdb: listen")
	ErrAccept          = errors.New("gdb: accept")
	ErrClientActive    = errors.New("gdb: a debugger connection is already active")
	ErrServerClosed    = errors.New("gdb: server closed")
	ErrSocket          = errors.New("gdb: get socket descriptor")
	ErrRead            = errors.New("gdb: read")
	ErrWrite           = errors.New("gdb: write")
	ErrMalformedPacket = errors.New("gdb: malformed packet")
	ErrChecksum        = errors.New("gdb: checksum mismatch")
	ErrNack            = errors.New("gdb: packet rejected by peer")
	ErrPoll            = errors.New("gdb: poll")
)
