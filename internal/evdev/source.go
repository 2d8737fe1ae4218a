package evdev

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/char5742/bangle-emu/internal/types"
)

// ErrUnsupported はこのプラットフォームで evdev が使えないときに返る
var ErrUnsupported = errors.New("evdev: unsupported platform")

// Source は入力デバイスを読み続け、変換した入力をチャネルに流す
type Source struct {
	logger zerolog.Logger
	r      io.ReadCloser
	dec    *Decoder
}

// NewSource は r からイベントを読む Source を作成する
// コンテキストが終わると r は閉じられる
func NewSource(r io.ReadCloser, dec *Decoder) *Source {
	return &Source{
		logger: log.With().Str("module", "evdev").Logger(),
		r:      r,
		dec:    dec,
	}
}

// Run は読み込みが終わるまで入力を out に送る。終了時に out を閉じる
func (s *Source) Run(ctx context.Context, out chan<- types.Input) error {
	defer close(out)

	stop := context.AfterFunc(ctx, func() {
		s.r.Close()
	})
	defer stop()

	for {
		ev, err := ReadEvent(s.r)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			s.logger.Error().Err(err).Msg("入力デバイスの読み込みに失敗しました")
			return err
		}

		for _, in := range s.dec.Feed(ev) {
			select {
			case out <- in:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
