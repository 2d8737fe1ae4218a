//go:build !linux

package evdev

// Open は Linux 以外では使えない
func Open(path string) (*Device, error) {
	return nil, ErrUnsupported
}

// Grab は Linux 以外では使えない
func (d *Device) Grab() error {
	return ErrUnsupported
}

// Release は Linux 以外では何もしない
func (d *Device) Release() error {
	return nil
}

// FindTouchDevice は Linux 以外では使えない
func FindTouchDevice() (string, error) {
	return "", ErrUnsupported
}
