package api

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"strconv"

	"github.com/char5742/bangle-emu/internal/types"
)

// palette は3bit色を RGB に展開したもの
var palette = func() color.Palette {
	p := make(color.Palette, 8)
	for i := range p {
		r, g, b := types.Color(i).RGB()
		p[i] = color.RGBA{R: level(r), G: level(g), B: level(b), A: 0xFF}
	}
	return p
}()

func level(on bool) uint8 {
	if on {
		return 0xFF
	}
	return 0
}

// EncodePNG はフレームを scale 倍に拡大した PNG にする
func EncodePNG(f *types.Frame, scale int) ([]byte, error) {
	scale = min(max(scale, 1), 8)

	img := image.NewPaletted(image.Rect(0, 0, types.ScreenWidth*scale, types.ScreenHeight*scale), palette)
	for y := 0; y < types.ScreenHeight*scale; y++ {
		for x := 0; x < types.ScreenWidth*scale; x++ {
			img.SetColorIndex(x, y, uint8(f.At(x/scale, y/scale)))
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// 画面取得ハンドラ
func (s *Server) handleScreen(w http.ResponseWriter, r *http.Request) {
	frame := s.service.Hub().Frame()
	if frame == nil {
		// まだ描画されていなければ黒い画面
		frame = &types.Frame{}
	}

	scale := 1
	if v := r.URL.Query().Get("scale"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "scale が不正です")
			return
		}
		scale = n
	}

	data, err := EncodePNG(frame, scale)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
