package logging

import "errors"

var (
	ErrCreateLogFile = errors.New("logging: create event log file")
	ErrWriteEvent    = errors.New("logging: write lifecycle event")
	ErrMarshalData   = errors.New("logging: marshal event payload")
	ErrCloseWriter   = errors.New("logging: close event writer")
)
