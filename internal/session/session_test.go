package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/char5742/bangle-emu/internal/device"
	"github.com/char5742/bangle-emu/internal/output"
	"github.com/char5742/bangle-emu/internal/types"
)

// fakeDevice は呼び出しを記録するだけのデバイス
type fakeDevice struct {
	flags   device.Flags
	idleErr error

	mu      sync.Mutex
	pushed  []string
	buttons []bool
	booted  bool
}

func (d *fakeDevice) Init() error { return nil }
func (d *fakeDevice) Idle() (int32, error) {
	if d.idleErr != nil {
		return 0, d.idleErr
	}
	return 5, nil
}
func (d *fakeDevice) HandleIO() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.booted {
		d.booted = true
		return []byte("Espruino\n"), nil
	}
	return nil, nil
}
func (d *fakeDevice) PushString(data []byte) error {
	d.mu.Lock()
	d.pushed = append(d.pushed, string(data))
	d.mu.Unlock()
	return nil
}
func (d *fakeDevice) SendTouchEvent(x, y uint8, contact bool, g types.Gesture) error { return nil }
func (d *fakeDevice) PressButton(pressed bool) error {
	d.mu.Lock()
	d.buttons = append(d.buttons, pressed)
	d.mu.Unlock()
	return nil
}
func (d *fakeDevice) Screen() (*types.Frame, error) { return &types.Frame{}, nil }
func (d *fakeDevice) GfxChanged() (bool, error)     { return false, nil }
func (d *fakeDevice) Flags() *device.Flags          { return &d.flags }

func (d *fakeDevice) snapshot() ([]string, []bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.pushed...), append([]bool(nil), d.buttons...)
}

func TestSession_DeliversInputAndPublishesOutput(t *testing.T) {
	dev := &fakeDevice{}
	hub := output.NewHub(0)
	sub := hub.Subscribe()
	s := New(dev, hub, Options{})

	src := make(chan types.Input, 1)
	src <- types.Console("1+1\n")
	close(src)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), src) }()

	assert.Equal(t, types.StateOutput{Running: true}, receive(t, sub))
	assert.Equal(t, types.ConsoleOutput("Espruino\n"), receive(t, sub))

	require.True(t, s.Send(types.Button{Pressed: true}))
	require.Eventually(t, func() bool {
		pushed, buttons := dev.snapshot()
		return len(pushed) == 1 && len(buttons) == 1
	}, time.Second, 5*time.Millisecond)

	s.CloseInput()
	require.NoError(t, <-done)

	pushed, buttons := dev.snapshot()
	assert.Equal(t, []string{"1+1\n"}, pushed)
	assert.Equal(t, []bool{true}, buttons)
	assert.False(t, s.Send(types.Console("late")))

	// 渡された Hub は閉じず、停止を知らせる
	var last types.Output
	for last != (types.StateOutput{Running: false}) {
		last = receive(t, sub)
	}
	assert.Equal(t, 1, hub.Subscribers())
	hub.Unsubscribe(sub)
}

func TestSession_OwnHubClosesWhenSessionEnds(t *testing.T) {
	s := New(&fakeDevice{}, nil, Options{})
	sub := s.Hub().Subscribe()

	s.CloseInput()
	require.NoError(t, s.Run(context.Background()))

	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("own hub was not closed")
		}
	}
}

func TestSession_SharedHubOutlivesSessions(t *testing.T) {
	hub := output.NewHub(0)
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	for i := 0; i < 2; i++ {
		s := New(&fakeDevice{}, hub, Options{})
		s.CloseInput()
		require.NoError(t, s.Run(context.Background()))

		assert.Equal(t, types.StateOutput{Running: true}, receive(t, sub))
		assert.Equal(t, types.ConsoleOutput("Espruino\n"), receive(t, sub))
		var last types.Output
		for last != (types.StateOutput{Running: false}) {
			last = receive(t, sub)
		}
	}
}

func receive(t *testing.T, sub *output.Subscription) types.Output {
	t.Helper()
	select {
	case o, ok := <-sub.C:
		require.True(t, ok, "subscription closed unexpectedly")
		return o
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for output")
		return nil
	}
}

func TestSession_LongHoldSetsFlags(t *testing.T) {
	dev := &fakeDevice{}
	s := New(dev, nil, Options{ResetAfter: 20 * time.Millisecond, InterruptAfter: 40 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.Send(types.Button{Pressed: true})

	require.Eventually(t, func() bool {
		return dev.flags.Reset.Get() && dev.flags.Interrupt.Get()
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Stats().Wakes >= 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSession_ShortPressSetsNothing(t *testing.T) {
	dev := &fakeDevice{}
	s := New(dev, nil, Options{ResetAfter: 30 * time.Millisecond, InterruptAfter: 60 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.Send(types.Button{Pressed: true})
	s.Send(types.Button{Pressed: false})

	time.Sleep(100 * time.Millisecond)
	assert.False(t, dev.flags.Reset.Get())
	assert.False(t, dev.flags.Interrupt.Get())

	cancel()
	require.NoError(t, <-done)
}

func TestSession_DeviceFailureEndsSession(t *testing.T) {
	boom := errors.New("unreachable executed")
	dev := &fakeDevice{idleErr: boom}
	s := New(dev, nil, Options{})

	src := make(chan types.Input)
	err := s.Run(context.Background(), src)
	require.ErrorIs(t, err, boom)
}

func TestSession_RunOnlyOnce(t *testing.T) {
	s := New(&fakeDevice{}, nil, Options{})
	s.CloseInput()

	require.NoError(t, s.Run(context.Background()))
	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyRun)
}
