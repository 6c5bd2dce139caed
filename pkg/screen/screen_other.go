//go:build !darwin

package screen

// Validate checks that the handles required on this platform are present.
func (s *Surface) Validate() error {
	if s != nil && s.headless {
		return nil
	}
	if s == nil || s.Instance == 0 || s.Device == 0 || s.Surface == 0 {
		return ErrNoVulkanHandles
	}
	return nil
}
