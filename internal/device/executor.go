package device

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrClosed は停止済みの Executor に操作を渡したときに返る
var ErrClosed = errors.New("device: executor closed")

type job struct {
	fn   func(Device) error
	done chan error
}

// Executor はデバイスを専有する専用ゴルーチン
// デバイスに触れるのはワーカーだけなので、操作は投入順に1つずつ実行される
type Executor struct {
	logger zerolog.Logger
	dev    Device
	jobs   chan job
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewExecutor はデバイスの所有権を受け取り、ワーカーを起動する
func NewExecutor(dev Device) *Executor {
	e := &Executor{
		logger: log.With().Str("module", "executor").Logger(),
		dev:    dev,
		jobs:   make(chan job),
		stop:   make(chan struct{}),
	}

	e.wg.Add(1)
	go e.worker()

	return e
}

func (e *Executor) worker() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stop:
			return
		case j := <-e.jobs:
			j.done <- j.fn(e.dev)
		}
	}
}

// Do は操作をワーカーに渡し、完了まで待つ
// 実行中の操作は途中で中断されない
func (e *Executor) Do(fn func(Device) error) error {
	j := job{fn: fn, done: make(chan error, 1)}

	select {
	case <-e.stop:
		return ErrClosed
	case e.jobs <- j:
	}

	return <-j.done
}

// Flags はデバイスの共有フラグを返す (ロック不要)
func (e *Executor) Flags() *Flags {
	return e.dev.Flags()
}

// Close はワーカーを停止する。実行中の操作があれば終わるまで待つ
func (e *Executor) Close() {
	e.once.Do(func() {
		close(e.stop)
		e.wg.Wait()
		e.logger.Debug().Msg("デバイスワーカーを停止しました")
	})
}
