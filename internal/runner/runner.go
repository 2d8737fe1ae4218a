// Package runner はファームウェアのアイドルステップ、入力の配送、出力の回収を
// 一つのループで調停する
package runner

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/char5742/bangle-emu/internal/device"
	"github.com/char5742/bangle-emu/internal/gesture"
	"github.com/char5742/bangle-emu/internal/types"
)

// スケジューリング定数
const (
	// 1サイクルでアイドルステップを試す最大回数
	IdleAttempts = 5
	// 正のヒントが得られなかった場合の既定値
	DefaultHint = time.Millisecond
	// 最初の入力待ちの下限
	MinWait = 10 * time.Millisecond
	// 入力を1件処理した後の待ち時間
	BurstWait = time.Millisecond
)

// OutputSink は出力を受け取る。queue.Unbounded が満たす
type OutputSink interface {
	Push(types.Output) bool
}

// ButtonSink はウォッチドッグへボタン状態を渡す
type ButtonSink interface {
	Push(bool) bool
}

// Stats はランナーの累計カウンタ
type Stats struct {
	Cycles    uint64 `json:"cycles"`
	IdleSteps uint64 `json:"idle_steps"`
	Inputs    uint64 `json:"inputs"`
	Frames    uint64 `json:"frames"`
	Wakes     uint64 `json:"wakes"`
}

// Runner はデバイスを専有してスケジューリングする
type Runner struct {
	logger  zerolog.Logger
	dev     device.Device
	tracker *gesture.Tracker
	buttons ButtonSink

	cycles    atomic.Uint64
	idleSteps atomic.Uint64
	inputs    atomic.Uint64
	frames    atomic.Uint64
	wakes     atomic.Uint64
}

type discardButtons struct{}

func (discardButtons) Push(bool) bool { return true }

// New はランナーを作成する
// dev の呼び出しはすべてランナーのゴルーチンから行われる
// buttons が nil ならボタン信号は捨てる。型付きの nil ポインタは渡さないこと
func New(dev device.Device, buttons ButtonSink) *Runner {
	if buttons == nil {
		buttons = discardButtons{}
	}
	return &Runner{
		logger:  log.With().Str("module", "runner").Logger(),
		dev:     dev,
		tracker: gesture.New(),
		buttons: buttons,
	}
}

// Stats は現在のカウンタを返す
func (r *Runner) Stats() Stats {
	return Stats{
		Cycles:    r.cycles.Load(),
		IdleSteps: r.idleSteps.Load(),
		Inputs:    r.inputs.Load(),
		Frames:    r.frames.Load(),
		Wakes:     r.wakes.Load(),
	}
}

// Run はメインループ
// デバイス操作の失敗はそのまま返し、入力チャネルが閉じられるかコンテキストが
// 終了した場合は nil を返す
func (r *Runner) Run(ctx context.Context, input <-chan types.Input, wake <-chan struct{}, output OutputSink) error {
	if err := r.dev.Init(); err != nil {
		return fmt.Errorf("runner: init: %w", err)
	}
	if err := r.drainConsole(output); err != nil {
		return err
	}

	r.logger.Info().Msg("ランナーを開始しました")

	for {
		if ctx.Err() != nil {
			return nil
		}
		r.cycles.Add(1)

		hint, err := r.idle()
		if err != nil {
			return err
		}

		if err := r.publishScreen(output); err != nil {
			return err
		}
		if err := r.drainConsole(output); err != nil {
			return err
		}

		done, err := r.wait(ctx, hint, input, wake)
		if err != nil {
			return err
		}
		if done {
			r.logger.Info().Msg("ランナーを終了します")
			return nil
		}
	}
}

// idle はアイドルステップを最大 IdleAttempts 回試す
// 最初に正のヒントが返った時点で打ち切る
func (r *Runner) idle() (time.Duration, error) {
	for i := 0; i < IdleAttempts; i++ {
		r.idleSteps.Add(1)
		d, err := r.dev.Idle()
		if err != nil {
			return 0, fmt.Errorf("runner: idle: %w", err)
		}
		if d > 0 {
			return time.Duration(d) * time.Millisecond, nil
		}
	}
	return DefaultHint, nil
}

func (r *Runner) publishScreen(output OutputSink) error {
	changed, err := r.dev.GfxChanged()
	if err != nil {
		return fmt.Errorf("runner: gfx changed: %w", err)
	}
	if !changed {
		return nil
	}
	frame, err := r.dev.Screen()
	if err != nil {
		return fmt.Errorf("runner: screen: %w", err)
	}
	r.frames.Add(1)
	output.Push(types.ScreenOutput{Frame: frame})
	return nil
}

func (r *Runner) drainConsole(output OutputSink) error {
	data, err := r.dev.HandleIO()
	if err != nil {
		return fmt.Errorf("runner: handle io: %w", err)
	}
	if len(data) > 0 {
		output.Push(types.ConsoleOutput(data))
	}
	return nil
}

// wait は入力待ちの内側ループ
// 最初は max(hint, MinWait)、入力や起床通知を処理した後は BurstWait だけ待つ
// セッションを終えるべきなら true を返す
func (r *Runner) wait(ctx context.Context, hint time.Duration, input <-chan types.Input, wake <-chan struct{}) (bool, error) {
	timeout := max(hint, MinWait)

	for {
		timer := time.NewTimer(timeout)

		select {
		case <-ctx.Done():
			timer.Stop()
			return true, nil

		case <-timer.C:
			return false, nil

		case <-wake:
			timer.Stop()
			r.wakes.Add(1)

		case in, ok := <-input:
			timer.Stop()
			if !ok {
				return true, nil
			}
			r.inputs.Add(1)
			if err := r.dispatch(in); err != nil {
				return true, err
			}
		}

		timeout = BurstWait
	}
}

func (r *Runner) dispatch(in types.Input) error {
	switch in := in.(type) {
	case types.Console:
		if err := r.dev.PushString(in); err != nil {
			return fmt.Errorf("runner: push string: %w", err)
		}

	case types.Touch:
		for _, g := range r.tracker.Add(in.Point(), in.Contact) {
			if err := r.dev.SendTouchEvent(in.X, in.Y, in.Contact, g); err != nil {
				return fmt.Errorf("runner: send touch event: %w", err)
			}
		}

	case types.Button:
		r.buttons.Push(in.Pressed)
		if err := r.dev.PressButton(in.Pressed); err != nil {
			return fmt.Errorf("runner: press button: %w", err)
		}

	default:
		r.logger.Warn().Str("type", fmt.Sprintf("%T", in)).Msg("未知の入力を無視します")
	}
	return nil
}
