package kernel

import "errors"

var (
	ErrOpenKernel       = errors.New("kernel: open image")
	ErrInvalidFilesz    = errors.New("kernel: p_filesz larger than p_memsz")
	ErrMultipleDynamic  = errors.New("kernel: multiple PT_DYNAMIC segments")
	ErrMultipleNote     = errors.New("kernel: multiple PT_NOTE segments")
	ErrUnknownSegment   = errors.New("kernel: unknown program header type")
	ErrNoLoadSegment    = errors.New("kernel: no PT_LOAD segment")
	ErrNoDynamicSegment = errors.New("kernel: no PT_DYNAMIC segment")
	ErrNoNoteSegment    = errors.New("kernel: no PT_NOTE segment")
	ErrNoteTooLarge     = errors.New("kernel: PT_NOTE segment too large")
	ErrReadNote         = errors.New("kernel: read note")
	ErrInvalidNote      = errors.New("kernel: invalid note description")
	ErrDuplicateNote    = errors.New("kernel: duplicate note")
	ErrUnknownNoteType  = errors.New("kernel: unknown note type")
	ErrNoPageSize       = errors.New("kernel: no page size note")
	ErrHeaderNotLoaded  = errors.New("kernel: first PT_LOAD does not include the ELF header")
	ErrOverlappedLoad   = errors.New("kernel: overlapped PT_LOAD segment")
	ErrLoadTooLarge     = errors.New("kernel: total PT_LOAD size too large")
	ErrZeroLengthLoad   = errors.New("kernel: PT_LOAD with zero length")
	ErrIncompleteKernel = errors.New("kernel: image is incomplete")
	ErrReadSegment      = errors.New("kernel: read segment")
	ErrWriteSegment     = errors.New("kernel: write segment into ram")
	ErrDownloadKernel   = errors.New("kernel: download")
	ErrParseReference   = errors.New("kernel: parse reference")
	ErrParsePlatform    = errors.New("kernel: parse platform")
	ErrGetDescriptor    = errors.New("kernel: get image descriptor")
	ErrGetImage         = errors.New("kernel: get image")
	ErrGetLayers        = errors.New("kernel: get layers")
	ErrNoLayers         = errors.New("kernel: no layers in image")
	ErrUncompressLayer  = errors.New("kernel: get uncompressed layer")
	ErrCreateDirectory  = errors.New("kernel: create directory")
	ErrReadLayer        = errors.New("kernel: read layer")
	ErrWriteKernel      = errors.New("kernel: write kernel")
	ErrRenameKernel     = errors.New("kernel: rename kernel")
	ErrKernelNotInLayer = errors.New("kernel: file not found in archive")
)
