package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrUnknownFormat は拡張子から設定形式を判別できないときに返る
var ErrUnknownFormat = errors.New("config: unknown format")

// 上書きに使う環境変数
const (
	EnvFirmware = "BANGLE_FIRMWARE"
	EnvApps     = "BANGLE_APPS"
	EnvAPIPort  = "BANGLE_API_PORT"
	EnvLogLevel = "BANGLE_LOG_LEVEL"
)

// Config はアプリケーション全体の設定を表す構造体
type Config struct {
	Emulator EmulatorConfig `toml:"emulator" yaml:"emulator"`
	Watchdog WatchdogConfig `toml:"watchdog" yaml:"watchdog"`
	UI       UIConfig       `toml:"ui" yaml:"ui"`
	Apps     AppsConfig     `toml:"apps" yaml:"apps"`
	API      APIConfig      `toml:"api" yaml:"api"`
	Evdev    EvdevConfig    `toml:"evdev" yaml:"evdev"`
	Log      LogConfig      `toml:"log" yaml:"log"`
}

// EmulatorConfig はファームウェアエンジンの設定
type EmulatorConfig struct {
	Firmware  string `toml:"firmware" yaml:"firmware"`
	BatchSize int    `toml:"batch_size" yaml:"batch_size"`
}

// WatchdogConfig はボタン長押しの判定時間
type WatchdogConfig struct {
	ResetAfter     Duration `toml:"reset_after" yaml:"reset_after"`
	InterruptAfter Duration `toml:"interrupt_after" yaml:"interrupt_after"`
}

// UIConfig は端末UIの設定
type UIConfig struct {
	Headless bool `toml:"headless" yaml:"headless"`
	// Enter キーを離したとみなすまでの時間
	ButtonRelease Duration `toml:"button_release" yaml:"button_release"`
}

// AppsConfig はアプリのアップロード設定
type AppsConfig struct {
	Dir        string   `toml:"dir" yaml:"dir"`
	Boot       string   `toml:"boot" yaml:"boot"`
	Watch      bool     `toml:"watch" yaml:"watch"`
	Reload     bool     `toml:"reload" yaml:"reload"`
	Extensions []string `toml:"extensions" yaml:"extensions"`
}

// APIConfig はHTTPブリッジの設定
type APIConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Host    string `toml:"host" yaml:"host"`
	Port    int    `toml:"port" yaml:"port"`
}

// EvdevConfig は実機タッチパネルからの入力設定
type EvdevConfig struct {
	Enabled               bool    `toml:"enabled" yaml:"enabled"`
	Device                string  `toml:"device" yaml:"device"`
	Grab                  bool    `toml:"grab" yaml:"grab"`
	ButtonCode            int     `toml:"button_code" yaml:"button_code"`
	FilterSmoothingFactor float64 `toml:"filter_smoothing_factor" yaml:"filter_smoothing_factor"`
	FilterWarmUpCount     int     `toml:"filter_warm_up_count" yaml:"filter_warm_up_count"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	File   string `toml:"file" yaml:"file"`
	Pretty bool   `toml:"pretty" yaml:"pretty"`
}

// Duration は "1.5s" のような文字列で読み書きできる時間
type Duration struct {
	time.Duration
}

// MarshalText は time.Duration の文字列表現を返す
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText は "300ms" 形式の文字列を解釈する
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() *Config {
	return &Config{
		Emulator: EmulatorConfig{
			Firmware:  "emulator-banglejs2.wasm",
			BatchSize: 40,
		},
		Watchdog: WatchdogConfig{
			ResetAfter:     Duration{1500 * time.Millisecond},
			InterruptAfter: Duration{2000 * time.Millisecond},
		},
		UI: UIConfig{
			ButtonRelease: Duration{300 * time.Millisecond},
		},
		Apps: AppsConfig{
			Extensions: []string{".js", ".json", ".info", ".img"},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8176,
		},
		Evdev: EvdevConfig{
			ButtonCode:            0x74, // KEY_POWER
			FilterSmoothingFactor: 0.85,
			FilterWarmUpCount:     10,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate は値の範囲を確認する
func (c *Config) Validate() error {
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("config: api port %d out of range", c.API.Port)
	}
	if c.Watchdog.ResetAfter.Duration < 0 || c.Watchdog.InterruptAfter.Duration < 0 {
		return fmt.Errorf("config: watchdog durations must not be negative")
	}
	if c.Evdev.FilterSmoothingFactor < 0 || c.Evdev.FilterSmoothingFactor >= 1 {
		return fmt.Errorf("config: filter smoothing factor %v out of range", c.Evdev.FilterSmoothingFactor)
	}
	return nil
}

// Addr は API の待ち受けアドレスを返す
func (c *Config) Addr() string {
	return c.API.Host + ":" + strconv.Itoa(c.API.Port)
}

// GetDefaultConfigDir は既定の設定ディレクトリを返す
func GetDefaultConfigDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: user config dir: %w", err)
	}
	return filepath.Join(dir, "bangle-emu"), nil
}

// DefaultConfigPath は既定の設定ファイルのパスを返す
func DefaultConfigPath() (string, error) {
	dir, err := GetDefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

type format int

const (
	formatTOML format = iota
	formatYAML
)

func formatOf(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return formatTOML, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
}

// LoadConfig は設定ファイルから設定を読み込む
// ファイルがなければデフォルト設定を書き出して返す
func LoadConfig(configPath string) (*Config, error) {
	// デフォルト設定を用意
	config := DefaultConfig()

	f, err := formatOf(configPath)
	if err != nil {
		return config, err
	}

	// ファイルが存在しない場合はデフォルト設定を保存して返す
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := SaveConfig(configPath, config); err != nil {
			return config, err
		}
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return config, fmt.Errorf("config: read: %w", err)
	}

	switch f {
	case formatTOML:
		if _, err := toml.Decode(string(data), config); err != nil {
			return config, fmt.Errorf("config: decode toml: %w", err)
		}
	case formatYAML:
		if err := yaml.Unmarshal(data, config); err != nil {
			return config, fmt.Errorf("config: decode yaml: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// SaveConfig は設定を拡張子に応じた形式で保存する
func SaveConfig(configPath string, config *Config) error {
	f, err := formatOf(configPath)
	if err != nil {
		return err
	}

	// 設定ディレクトリの作成
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}

	var data []byte
	switch f {
	case formatTOML:
		var sb strings.Builder
		if err := toml.NewEncoder(&sb).Encode(config); err != nil {
			return fmt.Errorf("config: encode toml: %w", err)
		}
		data = []byte(sb.String())
	case formatYAML:
		data, err = yaml.Marshal(config)
		if err != nil {
			return fmt.Errorf("config: encode yaml: %w", err)
		}
	}

	// 一時ファイルに書いてから置き換える
	tmp := configPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	if err := os.Rename(tmp, configPath); err != nil {
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

// LoadDotEnv は .env ファイルを環境変数に読み込む。ファイルがなければ何もしない
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: dotenv: %w", err)
	}
	return nil
}

// ApplyEnv は環境変数で設定を上書きする
func ApplyEnv(config *Config) error {
	if v := os.Getenv(EnvFirmware); v != "" {
		config.Emulator.Firmware = v
	}
	if v := os.Getenv(EnvApps); v != "" {
		config.Apps.Dir = v
	}
	if v := os.Getenv(EnvAPIPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvAPIPort, err)
		}
		config.API.Port = port
		config.API.Enabled = true
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		config.Log.Level = v
	}
	return config.Validate()
}
