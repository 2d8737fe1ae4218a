// Package watchdog はボタンの押下時間をリセット要求・割り込み要求に変換する
package watchdog

import (
	"time"

	"github.com/char5742/bangle-emu/internal/device"
)

// 既定の長押し時間
const (
	DefaultResetAfter     = 1500 * time.Millisecond
	DefaultInterruptAfter = 2000 * time.Millisecond
)

// Machine はウォッチドッグの状態遷移
// 時刻は呼び出し側が渡すので、タイマーなしで検証できる
// ゼロ値の期限は未設定を表す
type Machine struct {
	ResetAfter     time.Duration
	InterruptAfter time.Duration

	flags             *device.Flags
	resetDeadline     time.Time
	interruptDeadline time.Time
}

// NewMachine は Idle 状態のマシンを作成する
func NewMachine(flags *device.Flags, resetAfter, interruptAfter time.Duration) *Machine {
	if resetAfter <= 0 {
		resetAfter = DefaultResetAfter
	}
	if interruptAfter <= 0 {
		interruptAfter = DefaultInterruptAfter
	}
	return &Machine{
		ResetAfter:     resetAfter,
		InterruptAfter: interruptAfter,
		flags:          flags,
	}
}

// Armed はいずれかの期限が設定されているかを返す
func (m *Machine) Armed() bool {
	return !m.resetDeadline.IsZero() || !m.interruptDeadline.IsZero()
}

// Deadlines は現在の期限を返す
func (m *Machine) Deadlines() (reset, interrupt time.Time) {
	return m.resetDeadline, m.interruptDeadline
}

// Button はボタンの押下・解放を反映する
// 押下中の再押下は期限を now から張り直す
func (m *Machine) Button(pressed bool, now time.Time) {
	if !pressed {
		m.resetDeadline = time.Time{}
		m.interruptDeadline = time.Time{}
		return
	}
	m.resetDeadline = now.Add(m.ResetAfter)
	m.interruptDeadline = now.Add(m.InterruptAfter)
}

// Expire は now までに到来した期限を処理する
// ランナーを起こすべきなら true を返す
func (m *Machine) Expire(now time.Time) (wake bool) {
	if !m.resetDeadline.IsZero() && !now.Before(m.resetDeadline) {
		m.resetDeadline = time.Time{}
		m.flags.Reset.Set()
		wake = true
	}
	if !m.interruptDeadline.IsZero() && !now.Before(m.interruptDeadline) {
		m.interruptDeadline = time.Time{}
		// リセット要求がまだ消費されていない場合のみ割り込みに格上げする
		if m.flags.Reset.Get() {
			m.flags.Interrupt.Set()
			wake = true
		}
	}
	return wake
}
