// Package evdev は Linux の入力デバイスからタッチとボタンの入力を読み取る
package evdev

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/char5742/bangle-emu/internal/types"
)

// input_event の種類とコード (linux/input-event-codes.h)
const (
	EvSyn = 0x00
	EvKey = 0x01
	EvAbs = 0x03

	SynReport = 0

	BtnTouch = 0x14a

	AbsX            = 0x00
	AbsY            = 0x01
	AbsMTPositionX  = 0x35
	AbsMTPositionY  = 0x36
	AbsMTTrackingID = 0x39
)

// EventSize は 64bit 環境での struct input_event のサイズ
const EventSize = 24

// Event は input_event のうち時刻を除いた部分
type Event struct {
	Type  uint16
	Code  uint16
	Value int32
}

// ReadEvent は r から input_event を1つ読む
func ReadEvent(r io.Reader) (Event, error) {
	var buf [EventSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Event{}, fmt.Errorf("evdev: short event: %w", err)
		}
		return Event{}, err
	}

	// 先頭16バイトは timeval
	return Event{
		Type:  binary.LittleEndian.Uint16(buf[16:18]),
		Code:  binary.LittleEndian.Uint16(buf[18:20]),
		Value: int32(binary.LittleEndian.Uint32(buf[20:24])),
	}, nil
}

// Range は絶対軸の値域
type Range struct {
	Min int32
	Max int32
}

// scale は v を 0..n-1 に線形に写す
func (r Range) scale(v int32, n int) int32 {
	lo, hi := r.Min, r.Max
	if hi <= lo {
		hi = lo + 1
	}
	v = min(max(v, lo), hi)
	return int32(int64(v-lo) * int64(n-1) / int64(hi-lo))
}

// Decoder は input_event の列をタッチとボタンの入力に変換する
// SYN_REPORT ごとに1フレーム分をまとめて出す
type Decoder struct {
	xr, yr     Range
	buttonCode uint16
	filter     *MotionFilter

	rawX, rawY int32
	hasPos     bool
	down       bool
	lastDown   bool
	lastX      uint8
	lastY      uint8

	pending []types.Input
}

// NewDecoder はデコーダーを作成する。filter は nil でもよい
func NewDecoder(x, y Range, buttonCode uint16, filter *MotionFilter) *Decoder {
	return &Decoder{xr: x, yr: y, buttonCode: buttonCode, filter: filter}
}

// Feed はイベントを1つ処理し、フレームが確定したらその入力を返す
func (d *Decoder) Feed(ev Event) []types.Input {
	switch ev.Type {
	case EvAbs:
		switch ev.Code {
		case AbsX, AbsMTPositionX:
			d.rawX = ev.Value
			d.hasPos = true
		case AbsY, AbsMTPositionY:
			d.rawY = ev.Value
			d.hasPos = true
		case AbsMTTrackingID:
			// -1 は指が離れたことを表す
			d.down = ev.Value >= 0
		}

	case EvKey:
		switch {
		case ev.Code == BtnTouch:
			d.down = ev.Value != 0
		case ev.Code == d.buttonCode && ev.Value != 2:
			// 2 はオートリピート
			d.pending = append(d.pending, types.Button{Pressed: ev.Value == 1})
		}

	case EvSyn:
		if ev.Code == SynReport {
			d.frame()
			out := d.pending
			d.pending = nil
			return out
		}
	}
	return nil
}

func (d *Decoder) frame() {
	defer func() { d.hasPos = false }()

	if !d.down && !d.lastDown {
		return
	}

	starting := d.down && !d.lastDown
	if starting && d.filter != nil {
		d.filter.Reset()
	}

	x, y := d.lastX, d.lastY
	if d.hasPos {
		x, y = d.position()
	}

	// 位置が変わらない移動は送らない
	if d.down && !starting && x == d.lastX && y == d.lastY {
		return
	}

	d.pending = append(d.pending, types.Touch{X: x, Y: y, Contact: d.down})
	d.lastDown = d.down
	d.lastX, d.lastY = x, y
}

func (d *Decoder) position() (uint8, uint8) {
	x := d.xr.scale(d.rawX, types.ScreenWidth)
	y := d.yr.scale(d.rawY, types.ScreenHeight)
	if d.filter != nil {
		x, y = d.filter.Filter(x, y)
	}
	return uint8(x), uint8(y)
}
