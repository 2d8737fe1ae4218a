package watchdog

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/char5742/bangle-emu/internal/device"
)

// Watchdog はボタン信号と期限タイマーを待ち受けるタスク
type Watchdog struct {
	logger  zerolog.Logger
	machine *Machine
	wake    chan<- struct{}
}

// New はウォッチドッグを作成する
// wake には容量1以上のチャネルを渡すこと (溜まっている起床通知とは合流する)
func New(flags *device.Flags, wake chan<- struct{}, resetAfter, interruptAfter time.Duration) *Watchdog {
	return &Watchdog{
		logger:  log.With().Str("module", "watchdog").Logger(),
		machine: NewMachine(flags, resetAfter, interruptAfter),
		wake:    wake,
	}
}

// Run はボタンチャネルが閉じられるかコンテキストが終わるまで動く
func (w *Watchdog) Run(ctx context.Context, buttons <-chan bool) error {
	for {
		reset, interrupt := w.machine.Deadlines()
		resetTimer, resetC := timerFor(reset)
		interruptTimer, interruptC := timerFor(interrupt)

		select {
		case <-ctx.Done():
			stopTimer(resetTimer)
			stopTimer(interruptTimer)
			return nil

		case pressed, ok := <-buttons:
			stopTimer(resetTimer)
			stopTimer(interruptTimer)
			if !ok {
				return nil
			}
			w.machine.Button(pressed, time.Now())
			w.logger.Debug().Bool("pressed", pressed).Msg("ボタン状態を受信")

		case <-resetC:
			stopTimer(interruptTimer)
			w.logger.Info().Msg("リセット期限に到達")
			w.expire()

		case <-interruptC:
			stopTimer(resetTimer)
			w.logger.Info().Msg("割り込み期限に到達")
			w.expire()
		}
	}
}

func (w *Watchdog) expire() {
	if w.machine.Expire(time.Now()) {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// timerFor は期限が未設定なら nil チャネル (永久に待つ) を返す
// 過去の期限は即座に発火する
func timerFor(deadline time.Time) (*time.Timer, <-chan time.Time) {
	if deadline.IsZero() {
		return nil, nil
	}
	t := time.NewTimer(time.Until(deadline))
	return t, t.C
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
