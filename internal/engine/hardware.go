package engine

import "github.com/char5742/bangle-emu/internal/types"

// Bangle.js 2 のハードウェア定数
const (
	// ボタン1のピン番号
	PinBTN1 = 17
	// ピンの本数
	PinCount = 48
	// フラッシュ容量 (8MiB)
	FlashSize = 1 << 23
	// 1行あたりのバイト数 (176px × 3bit)
	RowBytes = types.ScreenWidth * 3 / 8
	// コンソールのデバイス番号
	ConsoleDevice = 21
)

// hardware はファームウェアから見えるピンとフラッシュ
type hardware struct {
	pins  [PinCount]bool
	flash []byte
}

func newHardware(flashSize int) *hardware {
	h := &hardware{flash: make([]byte, flashSize)}
	for i := range h.flash {
		h.flash[i] = 0xFF
	}
	// ボタンはプルアップなので離している間は High
	h.pins[PinBTN1] = true
	return h
}

func (h *hardware) flashRead(addr int32) (int32, bool) {
	if addr < 0 || int(addr) >= len(h.flash) {
		return 0xFF, false
	}
	return int32(h.flash[addr]), true
}

func (h *hardware) flashWrite(addr int32, data []byte) bool {
	if addr < 0 || int(addr)+len(data) > len(h.flash) {
		return false
	}
	copy(h.flash[addr:], data)
	return true
}

func (h *hardware) pin(i int32) (bool, bool) {
	if i < 0 || i >= PinCount {
		return false, false
	}
	return h.pins[i], true
}

func (h *hardware) setPin(i int32, v bool) bool {
	if i < 0 || i >= PinCount {
		return false
	}
	h.pins[i] = v
	return true
}

// get3 は3bit詰めの行バッファから x 番目の画素を取り出す
func get3(buf []byte, x int) types.Color {
	bit := x * 3
	b := bit >> 3
	shift := bit & 7
	v := buf[b] >> shift
	if shift > 5 {
		v |= buf[b+1] << (8 - shift)
	}
	return types.Color(v & 7)
}

// decodeRow は1行分のバッファを画素に展開する
func decodeRow(buf []byte, row *[types.ScreenWidth]types.Color) {
	for x := range row {
		row[x] = get3(buf, x)
	}
}
