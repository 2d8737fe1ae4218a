package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DebounceTime は連続したファイルイベントをまとめる時間
const DebounceTime = 500 * time.Millisecond

// Watcher は設定ファイルの変更を監視し、読み直した設定を通知する
type Watcher struct {
	logger   zerolog.Logger
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	debounce time.Duration
}

// NewWatcher は path を監視する Watcher を作成する
// エディタの置き換え保存にも追従できるようディレクトリごと監視する
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	return &Watcher{
		logger:   log.With().Str("module", "config").Logger(),
		path:     filepath.Clean(path),
		watcher:  w,
		onChange: onChange,
		debounce: DebounceTime,
	}, nil
}

// Run はコンテキストが終わるまで監視を続ける
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	// 複数のイベントをまとめて1回だけ読み直す
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case <-timer.C:
			if !pending {
				continue
			}
			pending = false
			cfg, err := LoadConfig(w.path)
			if err != nil {
				w.logger.Error().Err(err).Str("path", w.path).Msg("設定の再読み込みに失敗しました")
				continue
			}
			w.logger.Info().Str("path", w.path).Msg("設定を再読み込みしました")
			w.onChange(cfg)

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !pending {
				pending = true
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("ファイル監視エラー")
		}
	}
}
