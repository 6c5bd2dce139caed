package main

import "errors"

var (
	ErrProfileName   = errors.New("profile name is required")
	ErrProfileExists = errors.New("profile already exists")
	ErrNoKernel      = errors.New("no kernel: pass --kernel or --kernel-version")
	ErrGuestFailed   = errors.New("guest reported failure")
)
