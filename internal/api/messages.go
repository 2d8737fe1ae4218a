package api

import (
	"fmt"

	"github.com/char5742/bangle-emu/internal/types"
)

// 入出力メッセージの種類
const (
	MessageHello   = "hello"
	MessageConsole = "console"
	MessageScreen  = "screen"
	MessageTouch   = "touch"
	MessageButton  = "button"
	MessageError   = "error"
	MessageState   = "state"
)

// InputMessage はクライアントから受け取る入力
type InputMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Contact bool   `json:"contact"`
	Pressed bool   `json:"pressed"`
}

// Input はメッセージをエミュレータへの入力に変換する
func (m InputMessage) Input() (types.Input, error) {
	switch m.Type {
	case MessageConsole:
		if m.Text == "" {
			return nil, fmt.Errorf("api: empty console text")
		}
		return types.Console(m.Text), nil

	case MessageTouch:
		if m.X < 0 || m.X >= types.ScreenWidth || m.Y < 0 || m.Y >= types.ScreenHeight {
			return nil, fmt.Errorf("api: touch (%d, %d) out of screen", m.X, m.Y)
		}
		return types.Touch{X: uint8(m.X), Y: uint8(m.Y), Contact: m.Contact}, nil

	case MessageButton:
		return types.Button{Pressed: m.Pressed}, nil

	default:
		return nil, fmt.Errorf("api: unknown input type %q", m.Type)
	}
}

// OutputMessage はクライアントへ送る出力
// Frame は 176×176 の色番号 (0-7) を行優先で並べたもの
// Running は state メッセージでのみ設定される
type OutputMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Frame   []byte `json:"frame,omitempty"`
	Running *bool  `json:"running,omitempty"`
}

func frameBytes(f *types.Frame) []byte {
	buf := make([]byte, 0, types.ScreenWidth*types.ScreenHeight)
	for y := range f.Pixels {
		for _, c := range f.Pixels[y] {
			buf = append(buf, byte(c))
		}
	}
	return buf
}

func outputMessage(o types.Output) (OutputMessage, bool) {
	switch o := o.(type) {
	case types.ConsoleOutput:
		return OutputMessage{Type: MessageConsole, Text: string(o)}, true
	case types.ScreenOutput:
		return OutputMessage{Type: MessageScreen, Frame: frameBytes(o.Frame)}, true
	case types.StateOutput:
		return OutputMessage{Type: MessageState, Running: &o.Running}, true
	default:
		return OutputMessage{}, false
	}
}
