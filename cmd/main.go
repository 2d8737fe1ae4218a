package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/browser"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/char5742/bangle-emu/internal/api"
	"github.com/char5742/bangle-emu/internal/config"
	"github.com/char5742/bangle-emu/internal/tui"
)

// 起動時に指定された上書き。設定の再読み込み後にも適用する
type overrides struct {
	firmware string
	apps     string
	api      bool
	port     int
	headless bool
	evdev    string
}

func (o overrides) apply(cfg *config.Config) error {
	if err := config.ApplyEnv(cfg); err != nil {
		return err
	}
	if o.firmware != "" {
		cfg.Emulator.Firmware = o.firmware
	}
	if o.apps != "" {
		cfg.Apps.Dir = o.apps
	}
	if o.api {
		cfg.API.Enabled = true
	}
	if o.port != 0 {
		cfg.API.Enabled = true
		cfg.API.Port = o.port
	}
	if o.headless {
		cfg.UI.Headless = true
	}
	if o.evdev != "" {
		cfg.Evdev.Enabled = true
		if o.evdev != "auto" {
			cfg.Evdev.Device = o.evdev
		}
	}
	return cfg.Validate()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bangle-emu: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// コマンドライン引数の解析
	configPath := flag.String("config", "", "設定ファイルのパス (指定しない場合はデフォルトパスを使用)")
	envPath := flag.String("env", ".env", "読み込む .env ファイル")
	openBrowser := flag.Bool("open", false, "起動後にブラウザで画面を開きます")
	var o overrides
	flag.StringVar(&o.firmware, "firmware", "", "ファームウェア (wasm) のパス")
	flag.StringVar(&o.apps, "apps", "", "アップロードするアプリのディレクトリ")
	flag.BoolVar(&o.api, "api", false, "APIサーバーを有効にします")
	flag.IntVar(&o.port, "port", 0, "APIサーバーのポート番号 (指定するとAPIを有効化)")
	flag.BoolVar(&o.headless, "headless", false, "画面を描かずにコンソールを標準入出力につなぎます")
	flag.StringVar(&o.evdev, "evdev", "", "タッチパネルのデバイスパス (auto で自動検出)")
	flag.Parse()

	if err := config.LoadDotEnv(*envPath); err != nil {
		return err
	}

	// 設定ファイルパスの決定
	cfgPath := *configPath
	if cfgPath == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "設定ディレクトリを取得できません: %v\n", err)
		}
		cfgPath = p
	}

	// 設定ファイルの読み込み
	cfg := config.DefaultConfig()
	if cfgPath != "" {
		loaded, err := config.LoadConfig(cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "設定ファイルの読み込みに失敗しました: %v\nデフォルト設定を使用します\n", err)
		} else {
			cfg = loaded
		}
	}
	if err := o.apply(cfg); err != nil {
		return err
	}

	closeLog, err := setupLogging(cfg.Log, !cfg.UI.Headless)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service := api.NewEmulatorService(cfg, nil)
	if err := service.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(cfg, service, cfgPath)
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Stop(shutdownCtx)
		})
		if *openBrowser {
			if err := browser.OpenURL(server.URL()); err != nil {
				log.Warn().Err(err).Msg("ブラウザを開けませんでした")
			}
		}
	}

	if cfgPath != "" {
		watcher, err := config.NewWatcher(cfgPath, func(next *config.Config) {
			if err := o.apply(next); err != nil {
				log.Error().Err(err).Msg("再読み込みした設定が不正です")
				return
			}
			if server != nil {
				server.UpdateConfig(next)
			} else {
				service.UpdateConfig(next)
			}
		})
		if err != nil {
			log.Warn().Err(err).Msg("設定ファイルを監視できません")
		} else {
			g.Go(func() error { return watcher.Run(gctx) })
		}
	}

	// APIがなければ再起動できないので、セッションの終了でプロセスを終える
	if !cfg.API.Enabled {
		g.Go(func() error {
			defer stop()
			return service.Wait()
		})
	}

	// UIが終わればプロセス全体を終える
	g.Go(func() error {
		defer stop()
		if cfg.UI.Headless {
			return tui.RunHeadless(gctx, service.Hub(), service, os.Stdin, os.Stdout)
		}
		return tui.Run(gctx, service.Hub(), service, cfg.UI.ButtonRelease.Duration)
	})

	err = g.Wait()
	if closeErr := service.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	if waitErr := service.Wait(); waitErr != nil && !errors.Is(err, waitErr) {
		err = errors.Join(err, waitErr)
	}
	log.Info().Msg("シャットダウンしました")
	return err
}

// setupLogging はグローバルロガーを設定する
// 端末UIが画面を使う間は標準エラーに書かず、ファイルへ出す
func setupLogging(cfg config.LogConfig, tuiMode bool) (func(), error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	path := cfg.File
	if path == "" && tuiMode {
		dir, err := config.GetDefaultConfigDir()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "bangle-emu.log")
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closeFn = func() { f.Close() }
	}
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, NoColor: path != "", TimeFormat: time.TimeOnly}
	}

	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return closeFn, nil
}
