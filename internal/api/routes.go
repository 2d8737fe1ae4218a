package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/char5742/bangle-emu/internal/config"
)

// ルートの設定
func (s *Server) setupRoutes(router *http.ServeMux) {
	// 設定関連のエンドポイント
	router.HandleFunc("GET /api/config", s.handleGetConfig)
	router.HandleFunc("PUT /api/config", s.handleUpdateConfig)
	router.HandleFunc("POST /api/config/save", s.handleSaveConfig)

	// サービス関連のエンドポイント
	router.HandleFunc("POST /api/service/start", s.handleStartService)
	router.HandleFunc("POST /api/service/stop", s.handleStopService)
	router.HandleFunc("GET /api/status", s.handleStatus)

	// 入力
	router.HandleFunc("POST /api/console", s.handleInput(MessageConsole))
	router.HandleFunc("POST /api/touch", s.handleInput(MessageTouch))
	router.HandleFunc("POST /api/button", s.handleInput(MessageButton))

	// 出力
	router.HandleFunc("GET /api/screen.png", s.handleScreen)
	router.HandleFunc("GET /api/console", s.handleConsole)
	router.HandleFunc("GET /api/ws", s.handleWebSocket)

	// ヘルスチェック用エンドポイント
	router.HandleFunc("GET /api/health", s.handleHealthCheck)
}

// 設定取得ハンドラ
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.GetConfig())
}

// 設定更新ハンドラ
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	newConfig := config.DefaultConfig()

	if err := json.NewDecoder(r.Body).Decode(newConfig); err != nil {
		writeError(w, http.StatusBadRequest, "設定の解析に失敗しました")
		return
	}
	if err := newConfig.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.UpdateConfig(newConfig)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// 設定保存ハンドラ
func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var saveRequest struct {
		Path string `json:"path"`
	}

	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&saveRequest); err != nil {
			writeError(w, http.StatusBadRequest, "リクエストの解析に失敗しました")
			return
		}
	}

	configPath := saveRequest.Path
	if configPath == "" {
		configPath = s.configPath
	}
	if configPath == "" {
		// デフォルトパスを使用
		p, err := config.DefaultConfigPath()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "デフォルト設定ディレクトリの取得に失敗しました")
			return
		}
		configPath = p
	}

	if err := config.SaveConfig(configPath, s.GetConfig()); err != nil {
		writeError(w, http.StatusInternalServerError, "設定の保存に失敗しました: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "success",
		"path":   configPath,
	})
}

// サービス起動ハンドラ
func (s *Server) handleStartService(w http.ResponseWriter, r *http.Request) {
	err := s.service.Start(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, ErrRunning):
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_running"})
	case err != nil:
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("サービスの起動に失敗しました: %v", err))
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
	}
}

// サービス停止ハンドラ
func (s *Server) handleStopService(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Stop(); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "not_running"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// 状態取得ハンドラ
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Status())
}

// 入力ハンドラ。ボディの type は kind で上書きする
func (s *Server) handleInput(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg InputMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			writeError(w, http.StatusBadRequest, "リクエストの解析に失敗しました")
			return
		}
		msg.Type = kind

		in, err := msg.Input()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !s.service.Send(in) {
			writeError(w, http.StatusServiceUnavailable, "エミュレータが動いていません")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	}
}

// コンソール末尾の取得ハンドラ
func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.service.Hub().Console())
}

// ヘルスチェックハンドラ
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
