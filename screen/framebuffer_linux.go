//go:build linux

package screen

import (
	"encoding/binary"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Framebuffer is a Linux fbdev device mapped into memory. Only 16 bpp
// (RGB565) and 32 bpp (XRGB8888) modes are supported.
type Framebuffer struct {
	f      *os.File
	mem    []byte
	bounds image.Rectangle
	stride int
	bpp    int
}

// OpenFramebuffer returns an Opener for a device such as /dev/fb0. The
// geometry is read from sysfs.
func OpenFramebuffer(device string) Opener {
	return func() (Surface, error) {
		sys := filepath.Join("/sys/class/graphics", filepath.Base(device))
		size, err := readSysfs(sys, "virtual_size")
		if err != nil {
			return nil, err
		}
		w, h, ok := strings.Cut(size, ",")
		if !ok {
			return nil, fmt.Errorf("framebuffer: unexpected virtual_size %q", size)
		}
		width, err1 := strconv.Atoi(w)
		height, err2 := strconv.Atoi(h)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("framebuffer: unexpected virtual_size %q", size)
		}
		bppStr, err := readSysfs(sys, "bits_per_pixel")
		if err != nil {
			return nil, err
		}
		bpp, err := strconv.Atoi(bppStr)
		if err != nil || (bpp != 16 && bpp != 32) {
			return nil, fmt.Errorf("framebuffer: unsupported depth %q", bppStr)
		}
		stride := width * bpp / 8
		if s, err := readSysfs(sys, "stride"); err == nil {
			if v, err := strconv.Atoi(s); err == nil && v > 0 {
				stride = v
			}
		}

		f, err := os.OpenFile(device, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("framebuffer open: %w", err)
		}
		mem, err := unix.Mmap(int(f.Fd()), 0, stride*height, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("framebuffer mmap: %w", err)
		}
		return &Framebuffer{f: f, mem: mem, bounds: image.Rect(0, 0, width, height), stride: stride, bpp: bpp}, nil
	}
}

func readSysfs(dir, name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("framebuffer %s: %w", name, err)
	}
	return strings.TrimSpace(string(b)), nil
}

func (fb *Framebuffer) Bounds() image.Rectangle { return fb.bounds }

// Present copies the frame into video memory, converting the pixel format.
func (fb *Framebuffer) Present(frame *image.RGBA) error {
	if fb.mem == nil {
		return fmt.Errorf("framebuffer: present after close")
	}
	r := frame.Bounds().Intersect(fb.bounds)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		src := frame.Pix[frame.PixOffset(r.Min.X, y):]
		row := fb.mem[y*fb.stride:]
		for x := r.Min.X; x < r.Max.X; x++ {
			i := (x - r.Min.X) * 4
			cr, cg, cb := src[i], src[i+1], src[i+2]
			switch fb.bpp {
			case 16:
				v := uint16(cr>>3)<<11 | uint16(cg>>2)<<5 | uint16(cb>>3)
				binary.LittleEndian.PutUint16(row[x*2:], v)
			case 32:
				o := x * 4
				row[o], row[o+1], row[o+2], row[o+3] = cb, cg, cr, 0xFF
			}
		}
	}
	return nil
}

func (fb *Framebuffer) Close() error {
	if fb.mem == nil {
		return nil
	}
	err := unix.Munmap(fb.mem)
	fb.mem = nil
	if cerr := fb.f.Close(); err == nil {
		err = cerr
	}
	return err
}
