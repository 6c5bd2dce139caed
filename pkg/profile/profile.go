// Package profile provides persisted launch settings for the kernel.
package profile

import (
	"net"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	shellquote "github.com/kballard/go-shellquote"

	"github.com/SuchAFuriousDeath/obliteration/internal/errx"
)

// Profile contains settings to launch the kernel. The identity is generated
// once at creation and is read-only afterward; everything else is mutable.
// A profile is owned by the embedder; the VMM only borrows it during start.
type Profile struct {
	id            uuid.UUID
	name          string
	displayDevice string
	resolution    DisplayResolution
	debugAddr     string
	kernelArgs    []string
}

// record is the on-disk shape. Kept separate so the exported surface stays
// accessor-based and the identity cannot be overwritten in place.
type record struct {
	ID            string            `cbor:"id"`
	Name          string            `cbor:"name"`
	DisplayDevice string            `cbor:"display_device,omitempty"`
	Resolution    DisplayResolution `cbor:"display_resolution"`
	DebugAddr     string            `cbor:"debug_addr,omitempty"`
	KernelArgs    []string          `cbor:"kernel_args,omitempty"`
}

// New creates a profile with a fresh identity, the given display name and
// the default HD resolution.
func New(name string) *Profile {
	return &Profile{
		id:         uuid.New(),
		name:       name,
		resolution: Hd,
	}
}

// Load reads a profile previously written by Save. Malformed or unreadable
// data is an error; a partially populated profile is never returned.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errx.Wrap(ErrReadFile, err)
	}

	var rec record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, errx.Wrap(ErrDecode, err)
	}

	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, errx.Wrap(ErrInvalidID, err)
	}
	if !rec.Resolution.valid() {
		return nil, errx.With(ErrInvalidResolution, ": %d", rec.Resolution)
	}
	if rec.DebugAddr != "" {
		if _, _, err := net.SplitHostPort(rec.DebugAddr); err != nil {
			return nil, errx.Wrap(ErrInvalidDebugAddr, err)
		}
	}

	return &Profile{
		id:            id,
		name:          rec.Name,
		displayDevice: rec.DisplayDevice,
		resolution:    rec.Resolution,
		debugAddr:     rec.DebugAddr,
		kernelArgs:    rec.KernelArgs,
	}, nil
}

// Save writes the profile to path. The file is written to a temporary
// sibling first and renamed over the destination so a crash mid-write never
// corrupts a previously valid file.
func (p *Profile) Save(path string) error {
	data, err := cbor.Marshal(record{
		ID:            p.id.String(),
		Name:          p.name,
		DisplayDevice: p.displayDevice,
		Resolution:    p.resolution,
		DebugAddr:     p.debugAddr,
		KernelArgs:    p.kernelArgs,
	})
	if err != nil {
		return errx.Wrap(ErrEncode, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errx.Wrap(ErrWriteFile, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errx.Wrap(ErrReplaceFile, err)
	}
	return nil
}

// ID returns the stable identity generated at creation.
func (p *Profile) ID() string { return p.id.String() }

// Name returns the user-editable display name.
func (p *Profile) Name() string { return p.name }

// SetName changes the display name. The identity is unaffected.
func (p *Profile) SetName(name string) { p.name = name }

// DisplayDevice returns the opaque graphics adapter identifier, empty when
// the embedder has not pinned one.
func (p *Profile) DisplayDevice() string { return p.displayDevice }

func (p *Profile) SetDisplayDevice(id string) { p.displayDevice = id }

// DisplayResolution returns the resolution reported to the kernel.
func (p *Profile) DisplayResolution() DisplayResolution { return p.resolution }

func (p *Profile) SetDisplayResolution(r DisplayResolution) { p.resolution = r }

// DebugAddr returns the listen address for the debugger transport, empty
// when debugging is disabled for this profile.
func (p *Profile) DebugAddr() string { return p.debugAddr }

// SetDebugAddr validates and stores a host:port listen address. An empty
// address disables debugging.
func (p *Profile) SetDebugAddr(addr string) error {
	if addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return errx.Wrap(ErrInvalidDebugAddr, err)
		}
	}
	p.debugAddr = addr
	return nil
}

// KernelArgs returns the additional kernel arguments.
func (p *Profile) KernelArgs() []string { return p.kernelArgs }

// SetKernelArgs parses a shell-quoted argument string.
func (p *Profile) SetKernelArgs(args string) error {
	parsed, err := shellquote.Split(args)
	if err != nil {
		return errx.Wrap(ErrInvalidKernelArgs, err)
	}
	p.kernelArgs = parsed
	return nil
}
