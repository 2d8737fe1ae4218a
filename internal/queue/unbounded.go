// Package queue は送信側をブロックしない順序付きキューを提供する
package queue

import "sync"

// Unbounded は上限のないFIFO。Push はブロックせず、C から投入順に受け取れる
// Close 後も残りの要素は C から読み出され、その後 C は閉じられる
type Unbounded[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
	out    chan T

	done    chan struct{}
	discard sync.Once
}

// New はキューを作成し、配送ゴルーチンを起動する
func New[T any]() *Unbounded[T] {
	q := &Unbounded[T]{
		signal: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}
	go q.pump()
	return q
}

// Push は要素を末尾に追加する。閉じた後は false を返す
func (q *Unbounded[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	q.notify()
	return true
}

// C は受信用チャネルを返す
func (q *Unbounded[T]) C() <-chan T {
	return q.out
}

// Len は未配送の要素数を返す
func (q *Unbounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close は以降の Push を拒否する。二重に呼んでもよい
func (q *Unbounded[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.notify()
}

// Discard は以降の Push を拒否し、未配送の要素を捨てる
// 受信側が読むのをやめていても配送ゴルーチンは終了し、C は閉じられる
func (q *Unbounded[T]) Discard() {
	q.mu.Lock()
	q.closed = true
	clear(q.items)
	q.items = nil
	q.mu.Unlock()

	q.discard.Do(func() { close(q.done) })
	q.notify()
}

func (q *Unbounded[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Unbounded[T]) pump() {
	defer close(q.out)

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.signal
			continue
		}
		v := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.done:
			return
		}
	}
}
