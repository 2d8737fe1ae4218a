// Package apps はホスト上のアプリファイルをエミュレータの Storage に書き込む
package apps

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/char5742/bangle-emu/internal/types"
)

// BootFile はブートローダーを書き込む Storage 上の名前
const BootFile = ".bootcde"

// DebounceTime は連続したファイルイベントをまとめる時間
const DebounceTime = 500 * time.Millisecond

// Sender は入力をセッションに送る
type Sender interface {
	Send(types.Input) bool
}

// Options はアップロード対象の設定
type Options struct {
	// アプリファイルのあるディレクトリ
	Dir string
	// .bootcde として書き込むファイル (空なら書き込まない)
	Boot string
	// 対象とする拡張子
	Extensions []string
	// アップロード後に load() を送るか
	Reload bool
}

// Uploader はファイルを Storage.write コマンドに変換して送る
type Uploader struct {
	logger   zerolog.Logger
	opts     Options
	send     Sender
	debounce time.Duration
}

// New はアップローダーを作成する
func New(opts Options, send Sender) *Uploader {
	return &Uploader{
		logger:   log.With().Str("module", "apps").Logger(),
		opts:     opts,
		send:     send,
		debounce: DebounceTime,
	}
}

// WriteCommand は name に data を書き込むコンソールコマンドを返す
// 先頭の DLE (0x10) でエコーを抑える
func WriteCommand(name string, data []byte) string {
	name = strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(name)
	return fmt.Sprintf("\x10require('Storage').write('%s',atob('%s'));\n",
		name, base64.RawStdEncoding.EncodeToString(data))
}

// ReloadCommand はアプリを読み直すコマンド
const ReloadCommand = "\x10load();\n"

func (u *Uploader) isBoot(path string) bool {
	return u.opts.Boot != "" && filepath.Clean(path) == filepath.Clean(u.opts.Boot)
}

func (u *Uploader) wanted(path string) bool {
	if u.isBoot(path) {
		return true
	}
	if u.opts.Dir == "" {
		return false
	}
	if filepath.Dir(filepath.Clean(path)) != filepath.Clean(u.opts.Dir) {
		return false
	}
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	return slices.Contains(u.opts.Extensions, strings.ToLower(filepath.Ext(path)))
}

func (u *Uploader) storageName(path string) string {
	if u.isBoot(path) {
		return BootFile
	}
	return filepath.Base(path)
}

// UploadFile は1つのファイルを送る
func (u *Uploader) UploadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("apps: read %s: %w", path, err)
	}

	name := u.storageName(path)
	if !u.send.Send(types.Console(WriteCommand(name, data))) {
		return fmt.Errorf("apps: upload %s: session closed", name)
	}
	u.logger.Info().Str("file", name).Int("bytes", len(data)).Msg("アップロードしました")
	return nil
}

// Files はアップロード対象のファイルを名前順に返す
func (u *Uploader) Files() ([]string, error) {
	var files []string

	if u.opts.Dir != "" {
		entries, err := os.ReadDir(u.opts.Dir)
		if err != nil {
			return nil, fmt.Errorf("apps: read dir: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			p := filepath.Join(u.opts.Dir, entry.Name())
			if !u.isBoot(p) && u.wanted(p) {
				files = append(files, p)
			}
		}
		sort.Strings(files)
	}

	// ブートローダーを先に書く
	if u.opts.Boot != "" {
		files = append([]string{u.opts.Boot}, files...)
	}
	return files, nil
}

// UploadAll は対象ファイルをすべて送り、設定に応じて load() する
func (u *Uploader) UploadAll() (int, error) {
	files, err := u.Files()
	if err != nil {
		return 0, err
	}
	return u.upload(files)
}

func (u *Uploader) upload(files []string) (int, error) {
	n := 0
	for _, f := range files {
		if err := u.UploadFile(f); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 && u.opts.Reload {
		u.send.Send(types.Console(ReloadCommand))
	}
	return n, nil
}

// Watch はディレクトリを監視し、変更されたファイルを送り直す
func (u *Uploader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("apps: watcher: %w", err)
	}
	defer w.Close()

	dirs := []string{u.opts.Dir}
	if u.opts.Boot != "" {
		dirs = append(dirs, filepath.Dir(u.opts.Boot))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("apps: watch %s: %w", dir, err)
		}
		u.logger.Info().Str("dir", dir).Msg("ディレクトリ監視を開始")
	}

	// 保存時の連続イベントをまとめてから送る
	timer := time.NewTimer(u.debounce)
	timer.Stop()
	pending := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case <-timer.C:
			files := make([]string, 0, len(pending))
			for f := range pending {
				if _, err := os.Stat(f); err == nil {
					files = append(files, f)
				}
			}
			clear(pending)
			sort.Strings(files)

			if _, err := u.upload(files); err != nil {
				u.logger.Error().Err(err).Msg("再アップロードに失敗しました")
			}

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !u.wanted(event.Name) {
				continue
			}
			u.logger.Debug().Str("op", event.Op.String()).Str("file", event.Name).Msg("ファイルイベント")
			if len(pending) == 0 {
				timer.Reset(u.debounce)
			}
			pending[filepath.Clean(event.Name)] = struct{}{}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			u.logger.Warn().Err(err).Msg("ファイル監視エラー")
		}
	}
}
