package evdev

// MotionFilter はタッチ座標の揺れを指数平滑で抑える
type MotionFilter struct {
	smoothingFactor float64 // 0.0-1.0の範囲。1.0に近いほど滑らかになるが遅れも大きくなる
	lastX           float64
	lastY           float64
	warmUpCount     int
	currentCount    int
	initialized     bool
}

// NewMotionFilter は新しいモーションフィルターを作成する
func NewMotionFilter(smoothingFactor float64, warmUpCount int) *MotionFilter {
	return &MotionFilter{
		smoothingFactor: smoothingFactor,
		warmUpCount:     warmUpCount,
	}
}

// Filter は生の座標に平滑化を適用する
// ウォームアップ中は入力をそのまま返す
func (mf *MotionFilter) Filter(xRaw, yRaw int32) (int32, int32) {
	// 初回または未初期化の場合
	if !mf.initialized || mf.currentCount < mf.warmUpCount {
		mf.currentCount++
		mf.lastX = float64(xRaw)
		mf.lastY = float64(yRaw)
		mf.initialized = true
		return xRaw, yRaw
	}

	f := mf.smoothingFactor
	newX := float64(xRaw)*(1.0-f) + mf.lastX*f
	newY := float64(yRaw)*(1.0-f) + mf.lastY*f

	mf.lastX = newX
	mf.lastY = newY

	return int32(newX + 0.5), int32(newY + 0.5)
}

// Reset はフィルターの状態を初期化する。新しい接触の開始時に呼ぶ
func (mf *MotionFilter) Reset() {
	mf.lastX = 0
	mf.lastY = 0
	mf.currentCount = 0
	mf.initialized = false
}
