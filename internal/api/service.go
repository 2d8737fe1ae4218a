package api

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/char5742/bangle-emu/internal/apps"
	"github.com/char5742/bangle-emu/internal/config"
	"github.com/char5742/bangle-emu/internal/device"
	"github.com/char5742/bangle-emu/internal/engine"
	"github.com/char5742/bangle-emu/internal/evdev"
	"github.com/char5742/bangle-emu/internal/output"
	"github.com/char5742/bangle-emu/internal/runner"
	"github.com/char5742/bangle-emu/internal/session"
	"github.com/char5742/bangle-emu/internal/types"
)

var (
	// ErrRunning はサービスが既に動いているときに返る
	ErrRunning = errors.New("api: service already running")
	// ErrNotRunning はサービスが止まっているときに返る
	ErrNotRunning = errors.New("api: service not running")
)

// Opener は設定からデバイスを用意する。戻り値の関数でデバイスを破棄する
type Opener func(ctx context.Context, cfg *config.Config) (device.Device, func(), error)

// OpenEngine は設定のファームウェアを wazero で読み込む
func OpenEngine(ctx context.Context, cfg *config.Config) (device.Device, func(), error) {
	e, err := engine.Load(ctx, cfg.Emulator.Firmware, engine.Options{BatchSize: cfg.Emulator.BatchSize})
	if err != nil {
		return nil, nil, err
	}
	return e, func() {
		if err := e.Close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("エンジンの破棄に失敗しました")
		}
	}, nil
}

// Status はサービスの状態
type Status struct {
	Running     bool         `json:"running"`
	Stats       runner.Stats `json:"stats"`
	Subscribers int          `json:"subscribers"`
	Reset       bool         `json:"reset"`
	Interrupt   bool         `json:"interrupt"`
	LastError   string       `json:"last_error,omitempty"`
}

// EmulatorService はエミュレータのセッションを起動・停止する
// 出力の Hub はサービスと同じ寿命を持ち、再起動をまたいで購読を保つ
type EmulatorService struct {
	logger zerolog.Logger
	open   Opener
	hub    *output.Hub

	statusMutex sync.RWMutex
	cfg         *config.Config
	running     bool
	session     *session.Session
	cancel      context.CancelFunc
	done        chan struct{}
	lastErr     error
}

// NewEmulatorService は新しいサービスを作成する
func NewEmulatorService(cfg *config.Config, open Opener) *EmulatorService {
	if open == nil {
		open = OpenEngine
	}
	return &EmulatorService{
		logger: log.With().Str("module", "service").Logger(),
		open:   open,
		hub:    output.NewHub(0),
		cfg:    cfg,
	}
}

// Start はデバイスを開いてセッションを開始し、アプリをアップロードする
func (s *EmulatorService) Start(ctx context.Context) error {
	s.statusMutex.Lock()
	defer s.statusMutex.Unlock()

	if s.running {
		return ErrRunning
	}
	cfg := s.cfg

	dev, closeDev, err := s.open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("api: open device: %w", err)
	}

	sess := session.New(dev, s.hub, session.Options{
		ResetAfter:     cfg.Watchdog.ResetAfter.Duration,
		InterruptAfter: cfg.Watchdog.InterruptAfter.Duration,
	})

	runCtx, cancel := context.WithCancel(ctx)

	var sources []<-chan types.Input
	if cfg.Evdev.Enabled {
		src, err := s.openEvdev(runCtx, cfg.Evdev)
		if err != nil {
			// タッチパネルがなくてもエミュレータは動かす
			s.logger.Warn().Err(err).Msg("タッチパネルを開けませんでした")
		} else {
			sources = append(sources, src)
		}
	}

	uploader := apps.New(apps.Options{
		Dir:        cfg.Apps.Dir,
		Boot:       cfg.Apps.Boot,
		Extensions: cfg.Apps.Extensions,
		Reload:     cfg.Apps.Reload,
	}, sess)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer closeDev()

		err := sess.Run(runCtx, sources...)

		s.statusMutex.Lock()
		s.running = false
		s.lastErr = err
		s.statusMutex.Unlock()

		if err != nil {
			s.logger.Error().Err(err).Msg("エミュレータが異常終了しました")
		} else {
			s.logger.Info().Msg("エミュレータを停止しました")
		}
	}()

	if cfg.Apps.Dir != "" || cfg.Apps.Boot != "" {
		if n, err := uploader.UploadAll(); err != nil {
			s.logger.Error().Err(err).Msg("アプリのアップロードに失敗しました")
		} else {
			s.logger.Info().Int("files", n).Msg("アプリをアップロードしました")
		}
		if cfg.Apps.Watch && cfg.Apps.Dir != "" {
			go func() {
				if err := uploader.Watch(runCtx); err != nil {
					s.logger.Error().Err(err).Msg("アプリの監視に失敗しました")
				}
			}()
		}
	}

	s.session = sess
	s.cancel = cancel
	s.done = done
	s.running = true
	s.lastErr = nil

	s.logger.Info().Str("firmware", cfg.Emulator.Firmware).Msg("エミュレータを開始しました")
	return nil
}

func (s *EmulatorService) openEvdev(ctx context.Context, cfg config.EvdevConfig) (<-chan types.Input, error) {
	dev, err := evdev.Open(cfg.Device)
	if err != nil {
		return nil, err
	}
	if cfg.Grab {
		if err := dev.Grab(); err != nil {
			dev.Close()
			return nil, err
		}
	}
	s.logger.Info().Str("name", dev.Name).Str("path", dev.Path).Msg("タッチパネルを使用します")

	var filter *evdev.MotionFilter
	if cfg.FilterSmoothingFactor > 0 {
		filter = evdev.NewMotionFilter(cfg.FilterSmoothingFactor, cfg.FilterWarmUpCount)
	}
	dec := evdev.NewDecoder(dev.X, dev.Y, uint16(cfg.ButtonCode), filter)

	out := make(chan types.Input, 64)
	go func() {
		if err := evdev.NewSource(dev, dec).Run(ctx, out); err != nil {
			s.logger.Error().Err(err).Msg("タッチパネルの読み込みを終了しました")
		}
	}()
	return out, nil
}

// Stop はセッションを止め、終了を待つ
func (s *EmulatorService) Stop() error {
	s.statusMutex.Lock()
	if !s.running {
		s.statusMutex.Unlock()
		return ErrNotRunning
	}
	cancel, done := s.cancel, s.done
	s.statusMutex.Unlock()

	cancel()
	<-done
	return nil
}

// Wait はセッションの終了を待ち、その結果を返す
func (s *EmulatorService) Wait() error {
	s.statusMutex.RLock()
	done := s.done
	s.statusMutex.RUnlock()

	if done == nil {
		return ErrNotRunning
	}
	<-done

	s.statusMutex.RLock()
	defer s.statusMutex.RUnlock()
	return s.lastErr
}

// IsRunning はサービスが実行中かどうかを返す
func (s *EmulatorService) IsRunning() bool {
	s.statusMutex.RLock()
	defer s.statusMutex.RUnlock()
	return s.running
}

// Send は入力を現在のセッションに送る
func (s *EmulatorService) Send(in types.Input) bool {
	s.statusMutex.RLock()
	sess, running := s.session, s.running
	s.statusMutex.RUnlock()

	if !running {
		return false
	}
	return sess.Send(in)
}

// Hub は出力の配信先を返す。停止中も同じ Hub を返す
func (s *EmulatorService) Hub() *output.Hub {
	return s.hub
}

// Close はセッションを止め、Hub の購読をすべて閉じる
func (s *EmulatorService) Close() error {
	if err := s.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	s.hub.Close()
	return nil
}

// Status は現在の状態を返す
func (s *EmulatorService) Status() Status {
	s.statusMutex.RLock()
	defer s.statusMutex.RUnlock()

	st := Status{Running: s.running, Subscribers: s.hub.Subscribers()}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if s.session != nil {
		st.Stats = s.session.Stats()
		st.Reset = s.session.Flags().Reset.Get()
		st.Interrupt = s.session.Flags().Interrupt.Get()
	}
	return st
}

// UpdateConfig は設定を差し替える。次回の Start から反映される
func (s *EmulatorService) UpdateConfig(cfg *config.Config) {
	s.statusMutex.Lock()
	defer s.statusMutex.Unlock()
	s.cfg = cfg
}
