package types

// Gesture はタッチサンプル列から導かれる意味的なタッチイベント
type Gesture uint8

const (
	Drag Gesture = iota
	Tap
	SwipeUp
	SwipeDown
	SwipeLeft
	SwipeRight
)

func (g Gesture) String() string {
	switch g {
	case Drag:
		return "drag"
	case Tap:
		return "tap"
	case SwipeUp:
		return "swipe_up"
	case SwipeDown:
		return "swipe_down"
	case SwipeLeft:
		return "swipe_left"
	case SwipeRight:
		return "swipe_right"
	}
	return "unknown"
}

// Code はファームウェアに渡すジェスチャー番号を返す
func (g Gesture) Code() int32 {
	switch g {
	case SwipeUp:
		return 1
	case SwipeDown:
		return 2
	case SwipeLeft:
		return 3
	case SwipeRight:
		return 4
	case Tap:
		return 5
	}
	return 0
}
