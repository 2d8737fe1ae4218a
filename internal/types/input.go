package types

// Input は境界アダプタからランナーへ送られる入力イベント
// Console / Touch / Button のいずれか
type Input interface {
	isInput()
}

// Console はタイプ入力として端末に流し込む生バイト列
type Console []byte

// Touch はポインタ入力の1サンプル
type Touch struct {
	X       uint8 // X座標 (0..175)
	Y       uint8 // Y座標 (0..175)
	Contact bool  // 接触中かどうか
}

// Button は物理ボタンの押下・解放
type Button struct {
	Pressed bool
}

func (Console) isInput() {}
func (Touch) isInput()   {}
func (Button) isInput()  {}

// Point はタッチ位置を返す
func (t Touch) Point() Point {
	return Point{X: t.X, Y: t.Y}
}

// Output はランナーから境界アダプタへ送られる出力イベント
type Output interface {
	isOutput()
}

// ConsoleOutput はデバイスが出力したバイト列
type ConsoleOutput []byte

// ScreenOutput は描画済みフレームのスナップショット
type ScreenOutput struct {
	Frame *Frame
}

// StateOutput はセッションの開始と終了を知らせる
type StateOutput struct {
	Running bool
}

func (ConsoleOutput) isOutput() {}
func (ScreenOutput) isOutput()  {}
func (StateOutput) isOutput()   {}
