package tui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"

	"github.com/char5742/bangle-emu/internal/output"
	"github.com/char5742/bangle-emu/internal/types"
)

// Run は端末UIを起動し、ユーザーが終了するか ctx が終わるまで戻らない
func Run(ctx context.Context, hub *output.Hub, send Sender, release time.Duration) error {
	logger := log.With().Str("module", "tui").Logger()
	p := tea.NewProgram(New(send, release),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithContext(ctx),
	)

	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	if f := hub.Frame(); f != nil {
		go p.Send(outputMsg{out: types.ScreenOutput{Frame: f}})
	}
	go bridge(sub, p)

	if _, err := p.Run(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("tui: %w", err)
	}
	logger.Debug().Msg("UIを終了しました")
	return nil
}

// bridge はハブの出力をプログラムのメッセージに変換する
func bridge(sub *output.Subscription, p *tea.Program) {
	for out := range sub.C {
		p.Send(outputMsg{out: out})
	}
	p.Send(closedMsg{})
}

// RunHeadless は画面を描かずにコンソールだけを標準入出力につなぐ
// 出力が閉じるか ctx が終わると戻る。入力の EOF 後も出力は流し続ける
func RunHeadless(ctx context.Context, hub *output.Hub, send Sender, in io.Reader, out io.Writer) error {
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func(lines chan<- string) {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}(lines)

	for {
		select {
		case <-ctx.Done():
			return nil

		case o, ok := <-sub.C:
			if !ok {
				return nil
			}
			if c, ok := o.(types.ConsoleOutput); ok {
				if _, err := out.Write(c); err != nil {
					return fmt.Errorf("tui: write console: %w", err)
				}
			}

		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("tui: read input: %w", err)
					}
				default:
				}
				lines = nil
				continue
			}
			if !send.Send(types.Console(line + "\n")) {
				return nil
			}
		}
	}
}
