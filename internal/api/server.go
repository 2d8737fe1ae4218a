// Package api はエミュレータを HTTP と websocket で操作するブリッジ
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/char5742/bangle-emu/internal/config"
)

// Server はAPIサーバーを表す構造体
type Server struct {
	logger     zerolog.Logger
	server     *http.Server
	service    *EmulatorService
	cfg        *config.Config
	configPath string
	mutex      sync.RWMutex
}

// NewServer は新しいAPIサーバーを作成する
// configPath は POST /api/config/save でパスが省略されたときの保存先
func NewServer(cfg *config.Config, service *EmulatorService, configPath string) *Server {
	s := &Server{
		logger:     log.With().Str("module", "api").Logger(),
		service:    service,
		cfg:        cfg,
		configPath: configPath,
	}

	router := http.NewServeMux()
	s.setupRoutes(router)

	s.server = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// URL はブラウザで開く画面のURLを返す
func (s *Server) URL() string {
	return "http://" + s.server.Addr + "/api/screen.png"
}

// Start はAPIサーバーを開始する。Stop で止められた場合は nil を返す
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("APIサーバーを開始します")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop はAPIサーバーを停止する
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("APIサーバーを停止します")
	return s.server.Shutdown(ctx)
}

// GetConfig は現在の設定を返す
func (s *Server) GetConfig() *config.Config {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.cfg
}

// UpdateConfig は設定を更新する。サービスには次回の起動から反映される
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.mutex.Lock()
	s.cfg = cfg
	s.mutex.Unlock()

	s.service.UpdateConfig(cfg)
}

// writeJSON はJSONレスポンスを書き込む
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Error().Err(err).Msg("JSONエンコードエラー")
		}
	}
}

// writeError はエラーレスポンスを書き込む
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
