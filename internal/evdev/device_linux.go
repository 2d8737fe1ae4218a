//go:build linux

package evdev

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl 番号 (linux/input.h)
const (
	eviocGrab = 0x40044590
)

type absInfo struct {
	Value      int32
	Minimum    int32
	Maximum    int32
	Fuzz       int32
	Flat       int32
	Resolution int32
}

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | typ<<8 | nr
}

func eviocGName(n int) uintptr { return ioc(2, 'E', 0x06, uintptr(n)) }
func eviocGAbs(axis int) uintptr {
	return ioc(2, 'E', 0x40+uintptr(axis), unsafe.Sizeof(absInfo{}))
}

// Open は入力デバイスを開き、名前と軸の値域を読み取る
// path が空なら FindTouchDevice で探す
func Open(path string) (*Device, error) {
	if path == "" {
		p, err := FindTouchDevice()
		if err != nil {
			return nil, err
		}
		path = p
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("evdev: open %s: %w", path, err)
	}

	d := &Device{
		Path: path,
		X:    Range{0, 175},
		Y:    Range{0, 175},
		file: f,
	}

	err = d.control(func(fd uintptr) error {
		if name, err := ioctlName(fd); err == nil {
			d.Name = name
		}
		if r, ok := absRange(fd, AbsMTPositionX, AbsX); ok {
			d.X = r
		}
		if r, ok := absRange(fd, AbsMTPositionY, AbsY); ok {
			d.Y = r
		}
		return nil
	})
	if err != nil {
		f.Close()
		return nil, err
	}

	return d, nil
}

// Grab はデバイスを専有し、他のプログラムにイベントが届かないようにする
func (d *Device) Grab() error {
	if d.grabbed {
		return nil
	}
	if err := d.control(func(fd uintptr) error {
		return unix.IoctlSetInt(int(fd), eviocGrab, 1)
	}); err != nil {
		return fmt.Errorf("evdev: grab: %w", err)
	}
	d.grabbed = true
	return nil
}

// Release は専有を解除する
func (d *Device) Release() error {
	if !d.grabbed {
		return nil
	}
	if err := d.control(func(fd uintptr) error {
		return unix.IoctlSetInt(int(fd), eviocGrab, 0)
	}); err != nil {
		return fmt.Errorf("evdev: release: %w", err)
	}
	d.grabbed = false
	return nil
}

// control は File.Fd を使わずに fd を借りる
func (d *Device) control(fn func(fd uintptr) error) error {
	rc, err := d.file.SyscallConn()
	if err != nil {
		return fmt.Errorf("evdev: syscall conn: %w", err)
	}
	var inner error
	if err := rc.Control(func(fd uintptr) { inner = fn(fd) }); err != nil {
		return fmt.Errorf("evdev: control: %w", err)
	}
	return inner
}

func ioctlName(fd uintptr) (string, error) {
	buf := make([]byte, 256)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, eviocGName(len(buf)), uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return "", errno
	}
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(buf[:n]), nil
}

// absRange はマルチタッチ軸を優先して値域を読む
func absRange(fd uintptr, axes ...int) (Range, bool) {
	for _, axis := range axes {
		var info absInfo
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, eviocGAbs(axis), uintptr(unsafe.Pointer(&info)))
		if errno == 0 && info.Maximum > info.Minimum {
			return Range{Min: info.Minimum, Max: info.Maximum}, true
		}
	}
	return Range{}, false
}

// FindTouchDevice は名前からタッチパネルらしいデバイスを探す
func FindTouchDevice() (string, error) {
	cands, _ := filepath.Glob("/dev/input/event*")

	best := ""
	for _, p := range cands {
		fd, err := unix.Open(p, unix.O_RDONLY|unix.O_NONBLOCK, 0)
		if err != nil {
			continue
		}
		name, err := ioctlName(uintptr(fd))
		_ = unix.Close(fd)
		if err != nil {
			continue
		}

		low := strings.ToLower(name)
		if strings.Contains(low, "touch") || strings.Contains(low, "goodix") || strings.Contains(low, "gt911") {
			return p, nil
		}
		if best == "" {
			if _, ok := absRangeAt(p); ok {
				best = p
			}
		}
	}

	if best != "" {
		return best, nil
	}
	return "", fmt.Errorf("evdev: no touch device under /dev/input")
}

func absRangeAt(path string) (Range, bool) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return Range{}, false
	}
	defer unix.Close(fd)
	return absRange(uintptr(fd), AbsMTPositionX, AbsX)
}
