// Package output はランナーの出力を複数の境界アダプタへ配る
package output

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/char5742/bangle-emu/internal/queue"
	"github.com/char5742/bangle-emu/internal/types"
)

// DefaultConsoleTail はコンソール末尾として保持する既定のバイト数
const DefaultConsoleTail = 64 * 1024

// Subscription は Hub からの出力を受け取る
// 各購読者は専用の無制限キューを持つので、遅い購読者が他を止めることはない
type Subscription struct {
	C <-chan types.Output
	q *queue.Unbounded[types.Output]
}

// Hub は出力を全購読者に配り、最新フレームとコンソール末尾を保持する
// フレームは購読者間で共有されるので読み取り専用として扱うこと
type Hub struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	subs     map[*Subscription]struct{}
	frame    *types.Frame
	console  []byte
	tailSize int
	closed   bool
}

// NewHub は Hub を作成する。tailSize が0以下なら DefaultConsoleTail を使う
func NewHub(tailSize int) *Hub {
	if tailSize <= 0 {
		tailSize = DefaultConsoleTail
	}
	return &Hub{
		logger:   log.With().Str("module", "output").Logger(),
		subs:     make(map[*Subscription]struct{}),
		tailSize: tailSize,
	}
}

// Subscribe は新しい購読を作成する。呼び出し側は Unsubscribe すること
// Hub が既に閉じていれば C はすぐに閉じる
func (h *Hub) Subscribe() *Subscription {
	q := queue.New[types.Output]()
	sub := &Subscription{C: q.C(), q: q}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		q.Close()
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe は購読を解除し、未配送の出力を捨ててチャネルを閉じる
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subs, sub)
	sub.q.Discard()
}

// Publish は出力を記録し、全購読者へ配る
func (h *Hub) Publish(o types.Output) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch o := o.(type) {
	case types.ScreenOutput:
		h.frame = o.Frame
	case types.ConsoleOutput:
		h.console = append(h.console, o...)
		if over := len(h.console) - h.tailSize; over > 0 {
			h.console = append(h.console[:0], h.console[over:]...)
		}
	}

	for sub := range h.subs {
		sub.q.Push(o)
	}
}

// Run は in が閉じられるまで出力を配り続ける
// Hub は閉じないので、続けて別のセッションの出力を流せる
func (h *Hub) Run(in <-chan types.Output) error {
	for o := range in {
		h.Publish(o)
	}
	return nil
}

// Close は全購読を閉じる。配送済みでない出力は購読者が読み切れる
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		sub.q.Close()
	}
	h.logger.Debug().Msg("出力の配信を終了しました")
}

// Frame は最後に受け取ったフレームの複製を返す。まだなければ nil
func (h *Hub) Frame() *types.Frame {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.frame == nil {
		return nil
	}
	return h.frame.Clone()
}

// Console は保持しているコンソール末尾の複製を返す
func (h *Hub) Console() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return append([]byte(nil), h.console...)
}

// Subscribers は現在の購読者数を返す
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs)
}
