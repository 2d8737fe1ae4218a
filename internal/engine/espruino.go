// Package engine は wazero 上で Espruino の wasm ビルドを動かすデバイス実装
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/char5742/bangle-emu/internal/device"
	"github.com/char5742/bangle-emu/internal/types"
)

var (
	// ErrExportMissing はファームウェアが必要な関数をエクスポートしていないときに返る
	ErrExportMissing = errors.New("engine: export missing")
	// ErrMemoryRange はメモリ外を読もうとしたときに返る
	ErrMemoryRange = errors.New("engine: memory out of range")
)

// 割り込みとリセットで流し込む文字列
var (
	interruptSequence = []byte{0x03}
	resetSequence     = []byte("\x10load();\n")
)

// Options はエンジンの設定
type Options struct {
	// PushString で何文字ごとにアイドルステップを挟むか (既定40)
	BatchSize int
	// フラッシュ容量 (既定 FlashSize)
	FlashSize int
	// nowMillis が返す時刻 (既定 time.Now)
	Clock func() time.Time
}

// consoleFuncs はコンソールの入出力に使う関数
type consoleFuncs struct {
	pushChar         api.Function
	deviceToTransmit api.Function
	charToTransmit   api.Function
}

type exports struct {
	init         api.Function
	idle         api.Function
	gfxChanged   api.Function
	gfxGetPtr    api.Function
	sendPinWatch api.Function
	sendTouch    api.Function
	console      consoleFuncs
	// host は jsHandleIO コールバック内でだけ使う別インスタンス
	// 外側で実行中の api.Function を再び Call しない
	host consoleFuncs
}

// Espruino は device.Device の wazero 実装
// 呼び出しは1つのゴルーチンから行うこと
type Espruino struct {
	logger zerolog.Logger
	ctx    context.Context

	runtime wazero.Runtime
	mod     api.Module
	fn      exports

	hw      *hardware
	flags   device.Flags
	pending []byte
	inHost  bool
	batch   int
	clock   func() time.Time
}

// Load はファイルからファームウェアを読み込んでエンジンを作成する
func Load(ctx context.Context, path string, opts Options) (*Espruino, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("engine: read firmware: %w", err)
	}
	return New(ctx, wasm, opts)
}

// New は wasm バイナリをコンパイル・インスタンス化する
func New(ctx context.Context, wasm []byte, opts Options) (*Espruino, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 40
	}
	if opts.FlashSize <= 0 {
		opts.FlashSize = FlashSize
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	e := &Espruino{
		logger: log.With().Str("module", "engine").Logger(),
		ctx:    ctx,
		hw:     newHardware(opts.FlashSize),
		batch:  opts.BatchSize,
		clock:  opts.Clock,
	}

	e.runtime = wazero.NewRuntime(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
		e.runtime.Close(ctx)
		return nil, fmt.Errorf("engine: wasi: %w", err)
	}

	if err := e.instantiateHost(ctx); err != nil {
		e.runtime.Close(ctx)
		return nil, fmt.Errorf("engine: host module: %w", err)
	}

	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		e.runtime.Close(ctx)
		return nil, fmt.Errorf("engine: compile: %w", err)
	}

	cfg := wazero.NewModuleConfig().
		WithName("espruino").
		WithStartFunctions("_initialize").
		WithSysWalltime().
		WithSysNanotime()

	e.mod, err = e.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		e.runtime.Close(ctx)
		return nil, fmt.Errorf("engine: instantiate: %w", err)
	}

	if err := e.bindExports(); err != nil {
		e.runtime.Close(ctx)
		return nil, err
	}

	e.logger.Info().Int("size", len(wasm)).Msg("ファームウェアを読み込みました")
	return e, nil
}

func (e *Espruino) bindExports() error {
	lookup := func(name string) (api.Function, error) {
		f := e.mod.ExportedFunction(name)
		if f == nil {
			return nil, fmt.Errorf("%w: %s", ErrExportMissing, name)
		}
		return f, nil
	}

	var err error
	bind := func(dst *api.Function, name string) {
		if err != nil {
			return
		}
		*dst, err = lookup(name)
	}

	bind(&e.fn.init, "jsInit")
	bind(&e.fn.idle, "jsIdle")
	bind(&e.fn.gfxChanged, "jsGfxChanged")
	bind(&e.fn.gfxGetPtr, "jsGfxGetPtr")
	bind(&e.fn.sendPinWatch, "jsSendPinWatchEvent")
	bind(&e.fn.sendTouch, "jsSendTouchEvent")
	for _, c := range []*consoleFuncs{&e.fn.console, &e.fn.host} {
		bind(&c.pushChar, "jshPushIOCharEvent")
		bind(&c.deviceToTransmit, "jshGetDeviceToTransmit")
		bind(&c.charToTransmit, "jshGetCharToTransmit")
	}
	if err != nil {
		return err
	}

	if e.mod.Memory() == nil {
		return fmt.Errorf("%w: memory", ErrExportMissing)
	}
	return nil
}

// instantiateHost はファームウェアが import する env モジュールを登録する
func (e *Espruino) instantiateHost(ctx context.Context) error {
	_, err := e.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(e.hostHandleIO).
		Export("jsHandleIO").
		NewFunctionBuilder().
		WithFunc(func(addr int32) int32 {
			v, ok := e.hw.flashRead(addr)
			if !ok {
				e.logger.Warn().Int32("addr", addr).Msg("範囲外のフラッシュ読み込み")
			}
			return v
		}).
		Export("hwFlashRead").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, addr, base, length int32) {
			data, ok := m.Memory().Read(uint32(base), uint32(length))
			if !ok || !e.hw.flashWrite(addr, data) {
				e.logger.Warn().Int32("addr", addr).Int32("len", length).Msg("範囲外のフラッシュ書き込み")
				return
			}
			e.logger.Debug().Int32("addr", addr).Int32("len", length).Msg("hwFlashWritePtr")
		}).
		Export("hwFlashWritePtr").
		NewFunctionBuilder().
		WithFunc(func(i int32) int32 {
			v, _ := e.hw.pin(i)
			if v {
				return 1
			}
			return 0
		}).
		Export("hwGetPinValue").
		NewFunctionBuilder().
		WithFunc(func(i, v int32) {
			if !e.hw.setPin(i, v != 0) {
				e.logger.Warn().Int32("pin", i).Msg("存在しないピン")
			}
		}).
		Export("hwSetPinValue").
		NewFunctionBuilder().
		WithFunc(func() float64 {
			return float64(e.clock().UnixNano()) / float64(time.Millisecond)
		}).
		Export("nowMillis").
		Instantiate(ctx)
	return err
}

// hostHandleIO はファームウェアが処理中でも呼ばれるので、ここで割り込みを拾う
// コールバックの中から再び呼ばれた場合は何もしない
func (e *Espruino) hostHandleIO(ctx context.Context) {
	if e.inHost {
		return
	}
	e.inHost = true
	defer func() { e.inHost = false }()

	if err := e.serviceInterrupt(ctx, &e.fn.host); err != nil {
		e.logger.Error().Err(err).Msg("割り込みの送信に失敗")
	}
	if err := e.drainTransmit(ctx, &e.fn.host); err != nil {
		e.logger.Error().Err(err).Msg("送信キューの回収に失敗")
	}
}

func (e *Espruino) serviceInterrupt(ctx context.Context, c *consoleFuncs) error {
	if !e.flags.Interrupt.Take() {
		return nil
	}
	e.logger.Warn().Msg("割り込みを送信します")
	return e.pushRaw(ctx, c, interruptSequence)
}

func (e *Espruino) drainTransmit(ctx context.Context, c *consoleFuncs) error {
	for {
		res, err := c.deviceToTransmit.Call(ctx)
		if err != nil {
			return fmt.Errorf("engine: jshGetDeviceToTransmit: %w", err)
		}
		dev := api.DecodeI32(res[0])
		if dev == 0 {
			return nil
		}
		res, err = c.charToTransmit.Call(ctx, api.EncodeI32(dev))
		if err != nil {
			return fmt.Errorf("engine: jshGetCharToTransmit: %w", err)
		}
		ch := api.DecodeI32(res[0])
		if ch < 0 || ch > 0xFF {
			return nil
		}
		e.pending = append(e.pending, byte(ch))
	}
}

func (e *Espruino) pushRaw(ctx context.Context, c *consoleFuncs, data []byte) error {
	for _, ch := range data {
		if _, err := c.pushChar.Call(ctx, api.EncodeI32(ConsoleDevice), api.EncodeI32(int32(ch))); err != nil {
			return fmt.Errorf("engine: jshPushIOCharEvent: %w", err)
		}
	}
	return nil
}

func (e *Espruino) call(name string, f api.Function, params ...uint64) ([]uint64, error) {
	res, err := f.Call(e.ctx, params...)
	if err != nil {
		return nil, fmt.Errorf("engine: %s: %w", name, err)
	}
	return res, nil
}

// Init はファームウェアを起動し、ボタンの初期状態を通知する
func (e *Espruino) Init() error {
	if _, err := e.call("jsInit", e.fn.init); err != nil {
		return err
	}
	_, err := e.call("jsSendPinWatchEvent", e.fn.sendPinWatch, api.EncodeI32(PinBTN1))
	return err
}

// Idle はアイドルステップを1回進める
// 保留中のリセット要求があれば先に load() を流し込む
func (e *Espruino) Idle() (int32, error) {
	if e.flags.Reset.Take() {
		e.logger.Warn().Msg("リセットを実行します")
		if err := e.pushRaw(e.ctx, &e.fn.console, resetSequence); err != nil {
			return 0, err
		}
	}
	res, err := e.call("jsIdle", e.fn.idle)
	if err != nil {
		return 0, err
	}
	return api.DecodeI32(res[0]), nil
}

// HandleIO はホスト側コールバックで溜めた出力と送信キューの残りを返す
func (e *Espruino) HandleIO() ([]byte, error) {
	if err := e.serviceInterrupt(e.ctx, &e.fn.console); err != nil {
		return nil, err
	}
	if err := e.drainTransmit(e.ctx, &e.fn.console); err != nil {
		return nil, err
	}
	out := e.pending
	e.pending = nil
	return out, nil
}

// PushString はコンソールに1文字ずつ入力し、BatchSize 文字ごとにアイドルステップを挟む
func (e *Espruino) PushString(data []byte) error {
	for i, ch := range data {
		if err := e.pushRaw(e.ctx, &e.fn.console, []byte{ch}); err != nil {
			return err
		}
		if (i+1)%e.batch == 0 || i == len(data)-1 {
			if _, err := e.Idle(); err != nil {
				return err
			}
			if err := e.drainTransmit(e.ctx, &e.fn.console); err != nil {
				return err
			}
		}
	}
	return nil
}

// SendTouchEvent はタッチ位置とジェスチャーを通知する
func (e *Espruino) SendTouchEvent(x, y uint8, contact bool, g types.Gesture) error {
	var pts int32
	if contact {
		pts = 1
	}
	_, err := e.call("jsSendTouchEvent", e.fn.sendTouch,
		api.EncodeI32(int32(x)), api.EncodeI32(int32(y)), api.EncodeI32(pts), api.EncodeI32(g.Code()))
	return err
}

// PressButton はボタン1の状態を変え、ピン変化を通知する
func (e *Espruino) PressButton(pressed bool) error {
	e.hw.setPin(PinBTN1, !pressed)
	_, err := e.call("jsSendPinWatchEvent", e.fn.sendPinWatch, api.EncodeI32(PinBTN1))
	return err
}

// Screen はフレームバッファを読み出す
func (e *Espruino) Screen() (*types.Frame, error) {
	mem := e.mod.Memory()
	frame := &types.Frame{}

	for y := 0; y < types.ScreenHeight; y++ {
		res, err := e.call("jsGfxGetPtr", e.fn.gfxGetPtr, api.EncodeI32(int32(y)))
		if err != nil {
			return nil, err
		}
		ptr := api.DecodeU32(res[0])
		buf, ok := mem.Read(ptr, RowBytes)
		if !ok {
			return nil, fmt.Errorf("%w: row %d at %#x", ErrMemoryRange, y, ptr)
		}
		decodeRow(buf, &frame.Pixels[y])
	}
	return frame, nil
}

// GfxChanged は画面が更新されたかを返す
func (e *Espruino) GfxChanged() (bool, error) {
	res, err := e.call("jsGfxChanged", e.fn.gfxChanged)
	if err != nil {
		return false, err
	}
	return api.DecodeI32(res[0]) != 0, nil
}

// Flags はウォッチドッグと共有するフラグ
func (e *Espruino) Flags() *device.Flags {
	return &e.flags
}

// Close はランタイムを破棄する
func (e *Espruino) Close(ctx context.Context) error {
	if err := e.runtime.Close(ctx); err != nil {
		return fmt.Errorf("engine: close: %w", err)
	}
	return nil
}
