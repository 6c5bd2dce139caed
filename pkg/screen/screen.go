// Package screen describes the graphics surface the VMM renders into.
//
// Surface creation and teardown belong to the embedder's graphics layer;
// the VMM only borrows the handles for draw calls and never frees them.
package screen

import "errors"

var (
	ErrNoVulkanHandles = errors.New("screen: vulkan instance, device and surface handles are required")
	ErrNoViewHandle    = errors.New("screen: view handle is required")
)

// Surface contains the platform graphics handles required to render the
// guest framebuffer. On Apple platforms a single view handle is used; on
// everything else a Vulkan instance/device/surface triple.
type Surface struct {
	Instance uintptr
	Device   uintptr
	Surface  uintptr
	View     uintptr

	// Width and Height are the surface's pixel dimensions. Zero means
	// the embedder sizes the surface to whatever the VM renders.
	Width  int
	Height int

	headless bool
}

// NewVulkan builds a surface descriptor from a Vulkan triple.
func NewVulkan(instance, device, surface uintptr) *Surface {
	return &Surface{Instance: instance, Device: device, Surface: surface}
}

// NewMetal builds a surface descriptor from a Metal-backed view handle.
func NewMetal(view uintptr) *Surface {
	return &Surface{View: view}
}

// NewHeadless builds a surface for runs that never draw, such as the CLI
// booting a kernel without a window. Draw calls against it fail.
func NewHeadless() *Surface {
	return &Surface{headless: true}
}

// Headless reports whether the surface has no backing window.
func (s *Surface) Headless() bool {
	return s != nil && s.headless
}
