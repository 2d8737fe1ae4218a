// Package gesture はタッチサンプル列をジェスチャーに分類する
package gesture

import "github.com/char5742/bangle-emu/internal/types"

// 判定しきい値 (タッチ開始からの累積移動量に対して評価する)
const (
	TapMax        = 5  // これ未満ならタップ
	SwipeMin      = 80 // これを超えればスワイプ
	SwipeCrossMax = 20 // スワイプ方向と直交する軸の上限
)

// Tracker は1本指タッチの状態を保持する
// 副作用を持たないので、呼び出し側がシリアライズすること
type Tracker struct {
	active bool
	start  types.Point
	last   types.Point
	dx     uint64
	dy     uint64
}

// New は空のトラッカーを作成する
func New() *Tracker {
	return &Tracker{}
}

// Active は接触中かどうかを返す
func (t *Tracker) Active() bool {
	return t.active
}

// Distance は現在のタッチの累積移動量を返す
func (t *Tracker) Distance() (dx, dy uint64) {
	return t.dx, t.dy
}

// Add はサンプルを1つ処理し、発生したジェスチャーを返す
// 順序は常に Drag, Tap, スワイプ
func (t *Tracker) Add(p types.Point, contact bool) []types.Gesture {
	if !t.active {
		if !contact {
			// 接触していない状態での解放は無視
			return nil
		}
		t.active = true
		t.start = p
		t.last = p
		t.dx, t.dy = 0, 0
		return []types.Gesture{types.Drag}
	}

	t.dx += absDiff(p.X, t.last.X)
	t.dy += absDiff(p.Y, t.last.Y)
	t.last = p

	if contact {
		return []types.Gesture{types.Drag}
	}

	gestures := []types.Gesture{types.Drag}
	if t.dx < TapMax && t.dy < TapMax {
		gestures = append(gestures, types.Tap)
	}
	if t.dx > SwipeMin && t.dy < SwipeCrossMax {
		if p.X > t.start.X {
			gestures = append(gestures, types.SwipeRight)
		} else {
			gestures = append(gestures, types.SwipeLeft)
		}
	}
	if t.dx < SwipeCrossMax && t.dy > SwipeMin {
		if p.Y > t.start.Y {
			gestures = append(gestures, types.SwipeDown)
		} else {
			gestures = append(gestures, types.SwipeUp)
		}
	}

	t.Reset()
	return gestures
}

// Reset は状態を破棄する
func (t *Tracker) Reset() {
	*t = Tracker{}
}

func absDiff(a, b uint8) uint64 {
	if a > b {
		return uint64(a - b)
	}
	return uint64(b - a)
}
