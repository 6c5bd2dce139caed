// Package kernel opens and validates guest kernel images and fetches
// versioned images from an OCI registry.
package kernel

import (
	"debug/elf"
	"encoding/binary"
	"io"
	"math/bits"
	"sort"

	"github.com/SuchAFuriousDeath/obliteration/internal/errx"
)

// vendorNote is the ELF note name the kernel build stamps its metadata with.
const vendorNote = "obkrnl"

// noteTypePageSize is the note carrying the VM page size the kernel was
// built for.
const noteTypePageSize = 0

// maxNoteSize bounds the PT_NOTE segment so a corrupt header cannot make us
// slurp the whole file.
const maxNoteSize = 1024 * 1024

// Image is a validated guest kernel. It keeps the backing file open until
// Close so segments can be streamed into guest RAM.
type Image struct {
	file     *elf.File
	loads    []*elf.Prog
	entry    uint64
	pageSize uint64
	memSize  uint64
}

// Open reads and validates the kernel image at path. The kernel must carry
// exactly one PT_DYNAMIC and one PT_NOTE, at least one PT_LOAD with the ELF
// header in the first one, and a vendor note declaring the VM page size.
func Open(path string) (*Image, error) {
	file, err := elf.Open(path)
	if err != nil {
		return nil, errx.Wrap(ErrOpenKernel, err)
	}

	img, err := validate(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return img, nil
}

func validate(file *elf.File) (*Image, error) {
	var loads []*elf.Prog
	var dynamic, note *elf.Prog

	for i, prog := range file.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			if prog.Filesz > prog.Memsz {
				return nil, errx.With(ErrInvalidFilesz, " #%d", i)
			}
			loads = append(loads, prog)
		case elf.PT_DYNAMIC:
			if dynamic != nil {
				return nil, ErrMultipleDynamic
			}
			dynamic = prog
		case elf.PT_NOTE:
			if note != nil {
				return nil, ErrMultipleNote
			}
			note = prog
		case elf.PT_PHDR, elf.PT_GNU_EH_FRAME, elf.PT_GNU_STACK, elf.PT_GNU_RELRO:
			// Harmless metadata segments.
		default:
			return nil, errx.With(ErrUnknownSegment, " %#x on program header %d", uint32(prog.Type), i)
		}
	}

	sort.Slice(loads, func(i, j int) bool { return loads[i].Vaddr < loads[j].Vaddr })

	if len(loads) == 0 {
		return nil, ErrNoLoadSegment
	}
	if loads[0].Off != 0 {
		return nil, ErrHeaderNotLoaded
	}
	if dynamic == nil {
		return nil, ErrNoDynamicSegment
	}
	if note == nil {
		return nil, ErrNoNoteSegment
	}

	pageSize, err := readPageSize(note)
	if err != nil {
		return nil, err
	}

	var memSize uint64
	for _, prog := range loads {
		if prog.Vaddr < memSize {
			return nil, errx.With(ErrOverlappedLoad, " at %#x", prog.Vaddr)
		}
		end := prog.Vaddr + prog.Memsz
		if end < prog.Vaddr {
			return nil, errx.With(ErrLoadTooLarge, " at %#x", prog.Vaddr)
		}
		memSize = end
	}
	if memSize == 0 {
		return nil, ErrZeroLengthLoad
	}

	return &Image{
		file:     file,
		loads:    loads,
		entry:    file.Entry,
		pageSize: pageSize,
		memSize:  memSize,
	}, nil
}

// readPageSize walks the raw note entries looking for the vendor page size
// note. The segment layout is the standard ELF note chain: three 32-bit
// words (namesz, descsz, type) followed by 4-byte padded name and desc.
func readPageSize(note *elf.Prog) (uint64, error) {
	if note.Filesz > maxNoteSize {
		return 0, ErrNoteTooLarge
	}

	data := make([]byte, note.Filesz)
	if _, err := io.ReadFull(io.NewSectionReader(note, 0, int64(note.Filesz)), data); err != nil {
		return 0, errx.Wrap(ErrReadNote, err)
	}

	var pageSize uint64
	var found bool

	for i := 0; len(data) >= 12; i++ {
		namesz := binary.LittleEndian.Uint32(data)
		descsz := binary.LittleEndian.Uint32(data[4:])
		noteType := binary.LittleEndian.Uint32(data[8:])
		data = data[12:]

		// Align in 64 bits; namesz/descsz near MaxUint32 must fail the
		// bounds check instead of wrapping to zero.
		nameLen := (uint64(namesz) + 3) &^ 3
		descLen := (uint64(descsz) + 3) &^ 3
		if uint64(len(data)) < nameLen+descLen {
			return 0, errx.With(ErrReadNote, " #%d: truncated", i)
		}

		name := data[:namesz]
		desc := data[nameLen : nameLen+uint64(descsz)]
		data = data[nameLen+descLen:]

		if namesz == 0 || string(name[:namesz-1]) != vendorNote {
			continue
		}

		switch noteType {
		case noteTypePageSize:
			if found {
				return 0, errx.With(ErrDuplicateNote, " #%d", i)
			}
			if len(desc) != 8 {
				return 0, errx.With(ErrInvalidNote, " #%d", i)
			}
			pageSize = binary.LittleEndian.Uint64(desc)
			if pageSize == 0 || bits.OnesCount64(pageSize) != 1 {
				return 0, errx.With(ErrInvalidNote, " #%d", i)
			}
			found = true
		default:
			return 0, errx.With(ErrUnknownNoteType, " %d on note #%d", noteType, i)
		}
	}

	if !found {
		return 0, ErrNoPageSize
	}
	return pageSize, nil
}

// Entry returns the kernel entry point virtual address.
func (img *Image) Entry() uint64 { return img.entry }

// PageSize returns the VM page size the kernel was built for.
func (img *Image) PageSize() uint64 { return img.pageSize }

// MemorySize returns the unrounded span of all PT_LOAD segments.
func (img *Image) MemorySize() uint64 { return img.memSize }

// Segments returns the PT_LOAD program headers in ascending vaddr order.
func (img *Image) Segments() []*elf.Prog { return img.loads }

// LoadInto streams every PT_LOAD segment into ram, placing segment vaddr V
// at base+V. Memory beyond p_filesz is left as ram provides it (zeroed for
// fresh guest RAM).
func (img *Image) LoadInto(ram io.WriterAt, base uint64) error {
	for _, prog := range img.loads {
		n, err := io.Copy(
			io.NewOffsetWriter(ram, int64(base+prog.Vaddr)),
			io.NewSectionReader(prog, 0, int64(prog.Filesz)),
		)
		if err != nil {
			return errx.With(ErrWriteSegment, " at %#x: %w", prog.Vaddr, err)
		}
		if uint64(n) != prog.Filesz {
			return ErrIncompleteKernel
		}
	}
	return nil
}

// Close releases the backing file. The image must not be loaded afterward.
func (img *Image) Close() error {
	return img.file.Close()
}
