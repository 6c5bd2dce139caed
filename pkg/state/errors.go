package state

import "errors"

var (
	ErrOpenStore   = errors.New("state: open store")
	ErrMigrate     = errors.New("state: migrate schema")
	ErrRegister    = errors.New("state: register run")
	ErrUpdate      = errors.New("state: update run")
	ErrRunNotFound = errors.New("state: run not found")
	ErrList        = errors.New("state: list runs")
	ErrPrune       = errors.New("state: prune runs")
)
