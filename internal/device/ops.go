package device

import "github.com/char5742/bangle-emu/internal/types"

// 以下は Executor 経由でデバイス操作を1つずつ実行するヘルパー

func (e *Executor) Init() error {
	return e.Do(func(d Device) error { return d.Init() })
}

func (e *Executor) Idle() (int32, error) {
	var hint int32
	err := e.Do(func(d Device) (err error) {
		hint, err = d.Idle()
		return err
	})
	return hint, err
}

func (e *Executor) HandleIO() ([]byte, error) {
	var data []byte
	err := e.Do(func(d Device) (err error) {
		data, err = d.HandleIO()
		return err
	})
	return data, err
}

func (e *Executor) PushString(data []byte) error {
	return e.Do(func(d Device) error { return d.PushString(data) })
}

func (e *Executor) SendTouchEvent(x, y uint8, contact bool, g types.Gesture) error {
	return e.Do(func(d Device) error { return d.SendTouchEvent(x, y, contact, g) })
}

func (e *Executor) PressButton(pressed bool) error {
	return e.Do(func(d Device) error { return d.PressButton(pressed) })
}

func (e *Executor) Screen() (*types.Frame, error) {
	var frame *types.Frame
	err := e.Do(func(d Device) (err error) {
		frame, err = d.Screen()
		return err
	})
	return frame, err
}

func (e *Executor) GfxChanged() (bool, error) {
	var changed bool
	err := e.Do(func(d Device) (err error) {
		changed, err = d.GfxChanged()
		return err
	})
	return changed, err
}
