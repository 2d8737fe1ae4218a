package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 全ての接続元を許可
	},
}

// handleWebSocket は出力を流し、受け取ったメッセージを入力として送る
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	hub := s.service.Hub()
	if !s.service.IsRunning() {
		writeError(w, http.StatusServiceUnavailable, "エミュレータが起動していません")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocketのアップグレードに失敗しました")
		return
	}
	defer conn.Close()

	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	logger := s.logger.With().Str("remote", r.RemoteAddr).Logger()
	logger.Info().Msg("WebSocketクライアントが接続しました")

	// 書き込みはこのゴルーチンだけが行う
	write := func(msg OutputMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}

	if err := write(OutputMessage{Type: MessageHello}); err != nil {
		return
	}
	if f := hub.Frame(); f != nil {
		if err := write(OutputMessage{Type: MessageScreen, Frame: frameBytes(f)}); err != nil {
			return
		}
	}

	errs := make(chan string, 16)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			var msg InputMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			in, err := msg.Input()
			if err == nil && !s.service.Send(in) {
				err = ErrNotRunning
			}
			if err != nil {
				select {
				case errs <- err.Error():
				default:
				}
			}
		}
	}()

	for {
		select {
		case <-readDone:
			logger.Info().Msg("WebSocketクライアントが切断しました")
			return

		case text := <-errs:
			if err := write(OutputMessage{Type: MessageError, Text: text}); err != nil {
				return
			}

		case o, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "emulator stopped"),
					time.Now().Add(writeWait))
				return
			}
			msg, ok := outputMessage(o)
			if !ok {
				continue
			}
			if err := write(msg); err != nil {
				return
			}
		}
	}
}
