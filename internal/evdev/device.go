package evdev

import "os"

// Device は開いた入力デバイス
type Device struct {
	Name string
	Path string
	// 絶対軸の値域
	X, Y Range

	file    *os.File
	grabbed bool
}

// Read は生の input_event を読む
func (d *Device) Read(p []byte) (int, error) {
	return d.file.Read(p)
}

// Close は専有を解除してデバイスを閉じる
func (d *Device) Close() error {
	_ = d.Release()
	return d.file.Close()
}
