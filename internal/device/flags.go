package device

import "sync/atomic"

// Flag はタスク間で共有する真偽値セル
// 読み取りとクリアの間にセットされた値を落とさないよう Take でまとめて行う
type Flag struct {
	v atomic.Bool
}

// Set はフラグを立てる
func (f *Flag) Set() {
	f.v.Store(true)
}

// Get は現在値を返す (クリアしない)
func (f *Flag) Get() bool {
	return f.v.Load()
}

// Take はフラグが立っていればクリアして true を返す
func (f *Flag) Take() bool {
	return f.v.CompareAndSwap(true, false)
}

// Flags はセッション中に共有されるリセット要求と割り込み要求
type Flags struct {
	Reset     Flag
	Interrupt Flag
}

// NewFlags は両方とも下りた状態のフラグを作成する
func NewFlags() *Flags {
	return &Flags{}
}
