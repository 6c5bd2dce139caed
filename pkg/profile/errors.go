package profile

import "errors"

var (
	ErrReadFile          = errors.New("profile: read file")
	ErrDecode            = errors.New("profile: decode")
	ErrEncode            = errors.New("profile: encode")
	ErrWriteFile         = errors.New("profile: write file")
	ErrReplaceFile       = errors.New("profile: replace file")
	ErrInvalidID         = errors.New("profile: invalid id")
	ErrInvalidResolution = errors.New("profile: invalid display resolution")
	ErrInvalidDebugAddr  = errors.New("profile: invalid debug address")
	ErrInvalidKernelArgs = errors.New("profile: invalid kernel arguments")
)
