// Package session はランナー、ウォッチドッグ、入出力キューを1つのセッションにまとめる
package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/char5742/bangle-emu/internal/device"
	"github.com/char5742/bangle-emu/internal/output"
	"github.com/char5742/bangle-emu/internal/queue"
	"github.com/char5742/bangle-emu/internal/runner"
	"github.com/char5742/bangle-emu/internal/types"
	"github.com/char5742/bangle-emu/internal/watchdog"
)

// ErrAlreadyRun は同じセッションを2回実行しようとしたときに返る
var ErrAlreadyRun = errors.New("session: already run")

// Options はセッションのタイミング設定
type Options struct {
	ResetAfter     time.Duration
	InterruptAfter time.Duration
}

// Session は1台のエミュレートされたデバイスの寿命を管理する
type Session struct {
	logger zerolog.Logger

	exec     *device.Executor
	runner   *runner.Runner
	watchdog *watchdog.Watchdog
	hub      *output.Hub
	ownsHub  bool

	input   *queue.Unbounded[types.Input]
	output  *queue.Unbounded[types.Output]
	buttons *queue.Unbounded[bool]
	wake    chan struct{}

	started atomic.Bool
}

// New はデバイスの所有権を受け取ってセッションを作成する
// hub を渡した場合は呼び出し側が閉じる。nil なら専用の Hub を作り、終了時に閉じる
func New(dev device.Device, hub *output.Hub, opts Options) *Session {
	ownsHub := hub == nil
	if ownsHub {
		hub = output.NewHub(0)
	}

	exec := device.NewExecutor(dev)
	buttons := queue.New[bool]()
	wake := make(chan struct{}, 1)

	return &Session{
		logger:   log.With().Str("module", "session").Logger(),
		exec:     exec,
		runner:   runner.New(exec, buttons),
		watchdog: watchdog.New(exec.Flags(), wake, opts.ResetAfter, opts.InterruptAfter),
		hub:      hub,
		ownsHub:  ownsHub,
		input:    queue.New[types.Input](),
		output:   queue.New[types.Output](),
		buttons:  buttons,
		wake:     wake,
	}
}

// Hub は出力の配信先を返す
func (s *Session) Hub() *output.Hub {
	return s.hub
}

// Stats はランナーのカウンタを返す
func (s *Session) Stats() runner.Stats {
	return s.runner.Stats()
}

// Flags はデバイスの共有フラグを返す
func (s *Session) Flags() *device.Flags {
	return s.exec.Flags()
}

// Send は入力をキューに積む。ブロックしない。入力を閉じた後は false を返す
func (s *Session) Send(in types.Input) bool {
	return s.input.Push(in)
}

// CloseInput は入力の受け付けを終える
// キューに残った入力が処理された後、セッションは正常終了する
func (s *Session) CloseInput() {
	s.input.Close()
}

// Feed は src からの入力をキューに流し込む。src が閉じられるかコンテキストが終わると戻る
func (s *Session) Feed(ctx context.Context, src <-chan types.Input) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-src:
			if !ok {
				return nil
			}
			if !s.input.Push(in) {
				return nil
			}
		}
	}
}

// Run はセッションを実行する。sources は追加の入力元
// ランナーが終わると残りのタスクも止まり、ランナーのエラーが返る
func (s *Session) Run(ctx context.Context, sources ...<-chan types.Input) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	s.logger.Info().Int("sources", len(sources)).Msg("セッションを開始します")
	s.output.Push(types.StateOutput{Running: true})

	g.Go(func() error {
		defer cancel()
		defer s.output.Close()
		defer s.output.Push(types.StateOutput{Running: false})
		return s.runner.Run(runCtx, s.input.C(), s.wake, s.output)
	})

	g.Go(func() error {
		return s.watchdog.Run(runCtx, s.buttons.C())
	})

	for _, src := range sources {
		g.Go(func() error {
			return s.Feed(runCtx, src)
		})
	}

	g.Go(func() error {
		return s.hub.Run(s.output.C())
	})

	err := g.Wait()

	s.input.Close()
	s.buttons.Close()
	s.exec.Close()
	go drain(s.input.C())
	go drain(s.buttons.C())
	if s.ownsHub {
		s.hub.Close()
	}

	if err != nil {
		s.logger.Error().Err(err).Msg("セッションが異常終了しました")
		return err
	}
	s.logger.Info().Msg("セッションを終了しました")
	return nil
}

func drain[T any](c <-chan T) {
	for range c {
	}
}
