package types

// 画面サイズ (Bangle.js 2)
const (
	ScreenWidth  = 176
	ScreenHeight = 176
)

// Point は画面上の座標
type Point struct {
	X uint8
	Y uint8
}

// Color は3bitの画素値 (bit2=R, bit1=G, bit0=B)
type Color uint8

// RGB は各チャンネルが点灯しているかを返す
func (c Color) RGB() (r, g, b bool) {
	return c&4 != 0, c&2 != 0, c&1 != 0
}

// Frame は表示バッファ全体のスナップショット
type Frame struct {
	Pixels [ScreenHeight][ScreenWidth]Color
}

// At は (x, y) の画素を返す。範囲外は黒
func (f *Frame) At(x, y int) Color {
	if x < 0 || y < 0 || x >= ScreenWidth || y >= ScreenHeight {
		return 0
	}
	return f.Pixels[y][x]
}

// Clone はフレームのコピーを返す
func (f *Frame) Clone() *Frame {
	c := *f
	return &c
}
