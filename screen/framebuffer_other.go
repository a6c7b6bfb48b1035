//go:build !linux

package screen

import "errors"

// OpenFramebuffer is only available on Linux.
func OpenFramebuffer(device string) Opener {
	return func() (Surface, error) {
		return nil, errors.New("framebuffer: not supported on this platform")
	}
}
