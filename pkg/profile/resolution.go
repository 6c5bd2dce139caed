package profile

import "github.com/SuchAFuriousDeath/obliteration/internal/errx"

// DisplayResolution is the display resolution reported to the guest kernel.
// Only the three enumerated values are representable; anything else is
// rejected when a profile is decoded.
type DisplayResolution uint8

const (
	// Hd is 1280 × 720.
	Hd DisplayResolution = iota
	// FullHd is 1920 × 1080.
	FullHd
	// UltraHd is 3840 × 2160.
	UltraHd
)

func (r DisplayResolution) valid() bool {
	return r <= UltraHd
}

// Width returns the horizontal pixel count.
func (r DisplayResolution) Width() int {
	switch r {
	case FullHd:
		return 1920
	case UltraHd:
		return 3840
	default:
		return 1280
	}
}

// Height returns the vertical pixel count.
func (r DisplayResolution) Height() int {
	switch r {
	case FullHd:
		return 1080
	case UltraHd:
		return 2160
	default:
		return 720
	}
}

// ParseResolution maps a user-facing resolution name to the enum.
func ParseResolution(s string) (DisplayResolution, error) {
	switch s {
	case "720p", "1280x720", "hd":
		return Hd, nil
	case "1080p", "1920x1080", "fullhd":
		return FullHd, nil
	case "2160p", "3840x2160", "4k":
		return UltraHd, nil
	default:
		return 0, errx.With(ErrInvalidResolution, ": %q", s)
	}
}

func (r DisplayResolution) String() string {
	switch r {
	case Hd:
		return "1280x720"
	case FullHd:
		return "1920x1080"
	case UltraHd:
		return "3840x2160"
	default:
		return "unknown"
	}
}
