// Package device はファームウェア実行エンジンへの狭いインターフェースを定義する
package device

import "github.com/char5742/bangle-emu/internal/types"

// Device はファームウェアエンジンに対する同期的な操作
// どのメソッドも失敗しうる。並行呼び出しには対応しないので Executor 経由で使うこと
type Device interface {
	// エンジンを初期化する
	Init() error
	// アイドルステップを1回進め、次に呼んでほしいまでのミリ秒を返す (0以下もありうる)
	Idle() (int32, error)
	// デバイスが送信したバイト列を回収する
	HandleIO() ([]byte, error)
	// コンソールにバイト列を入力する
	PushString(data []byte) error
	// タッチイベントを送る
	SendTouchEvent(x, y uint8, contact bool, gesture types.Gesture) error
	// ボタンの状態を変更する
	PressButton(pressed bool) error
	// 画面のスナップショットを取得する
	Screen() (*types.Frame, error)
	// 前回の確認以降に画面が変化したか
	GfxChanged() (bool, error)
	// ウォッチドッグと共有するフラグ
	Flags() *Flags
}
