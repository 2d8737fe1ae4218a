// Package tui は端末上に画面とコンソールを表示し、キーとマウスを入力に変換する
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/char5742/bangle-emu/internal/types"
)

// DefaultButtonRelease は Enter を離したとみなすまでの時間
// 端末ではキーを離したイベントが来ないので、キーリピートが続く間は押しっぱなしとして扱う
const DefaultButtonRelease = 300 * time.Millisecond

// consoleTail はコンソールペインに保持するバイト数
const consoleTail = 16 * 1024

// Sender は入力をセッションに送る
type Sender interface {
	Send(types.Input) bool
}

// outputMsg はセッションの出力を運ぶ
type outputMsg struct {
	out types.Output
}

// closedMsg はセッションの出力が終わったことを伝える
type closedMsg struct{}

// releaseMsg はボタンの解放期限。gen が古ければ無視する
type releaseMsg struct {
	gen uint64
}

var (
	paneStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("8"))
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	hintStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	stoppedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// Model は bubbletea のルートモデル
type Model struct {
	send    Sender
	release time.Duration

	frame   *types.Frame
	console []byte
	width   int
	height  int

	held    bool
	holdGen uint64
	stopped bool
	closed  bool
}

// New はモデルを作成する
func New(send Sender, release time.Duration) Model {
	if release <= 0 {
		release = DefaultButtonRelease
	}
	return Model{send: send, release: release}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.MouseMsg:
		m.handleMouse(msg)

	case releaseMsg:
		if m.held && msg.gen == m.holdGen {
			m.held = false
			m.send.Send(types.Button{Pressed: false})
		}

	case outputMsg:
		switch o := msg.out.(type) {
		case types.ScreenOutput:
			m.frame = o.Frame
		case types.ConsoleOutput:
			m.console = append(m.console, o...)
			if over := len(m.console) - consoleTail; over > 0 {
				m.console = append([]byte(nil), m.console[over:]...)
			}
		case types.StateOutput:
			m.stopped = !o.Running
		}

	case closedMsg:
		m.closed = true
		return m, tea.Quit
	}
	return m, nil
}

func swipe(dx, dy int) types.Console {
	return types.Console(fmt.Sprintf("\x10Bangle.emit('swipe', %d, %d);\n", dx, dy))
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyLeft:
		m.send.Send(swipe(-1, 0))
	case tea.KeyRight:
		m.send.Send(swipe(1, 0))
	case tea.KeyUp:
		m.send.Send(swipe(0, -1))
	case tea.KeyDown:
		m.send.Send(swipe(0, 1))

	case tea.KeyEnter:
		if !m.held {
			m.held = true
			m.send.Send(types.Button{Pressed: true})
		}
		// キーリピートのたびに期限を延ばす
		m.holdGen++
		gen := m.holdGen
		return m, tea.Tick(m.release, func(time.Time) tea.Msg {
			return releaseMsg{gen: gen}
		})

	case tea.KeyEsc, tea.KeyCtrlC:
		return m, tea.Quit

	case tea.KeyRunes:
		if msg.String() == "q" {
			return m, tea.Quit
		}
	}
	return m, nil
}

// 画面ペインの左上 (枠線の内側) の端末座標
const (
	screenCol = 1
	screenRow = 1
)

func clampAxis(v int) uint8 {
	return uint8(min(max(v, 0), types.ScreenWidth-1))
}

// touchAt は端末のセル位置を画面座標に変換する。1セルは縦に2画素
func touchAt(col, row int) (uint8, uint8) {
	return clampAxis(col - screenCol), clampAxis((row - screenRow) * 2)
}

func (m Model) handleMouse(msg tea.MouseMsg) {
	if msg.Button != tea.MouseButtonLeft && msg.Action != tea.MouseActionRelease {
		return
	}
	x, y := touchAt(msg.X, msg.Y)

	switch msg.Action {
	case tea.MouseActionPress, tea.MouseActionMotion:
		m.send.Send(types.Touch{X: x, Y: y, Contact: true})
	case tea.MouseActionRelease:
		m.send.Send(types.Touch{X: x, Y: y, Contact: false})
	}
}

// ansiIndex は3bit色を ANSI の色番号 (1=赤, 2=緑, 4=青) に変換する
func ansiIndex(c types.Color) int {
	r, g, b := c.RGB()
	n := 0
	if r {
		n |= 1
	}
	if g {
		n |= 2
	}
	if b {
		n |= 4
	}
	return n
}

// RenderFrame はフレームを半角ブロックで描く。上の行を背景、下の行を前景にする
func RenderFrame(f *types.Frame) string {
	var sb strings.Builder
	for y := 0; y < types.ScreenHeight; y += 2 {
		for x := 0; x < types.ScreenWidth; x++ {
			fmt.Fprintf(&sb, "\x1b[%d;%dm▄", 40+ansiIndex(f.Pixels[y][x]), 30+ansiIndex(f.Pixels[y+1][x]))
		}
		sb.WriteString("\x1b[m")
		if y+2 < types.ScreenHeight {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func (m Model) View() string {
	frame := m.frame
	if frame == nil {
		frame = &types.Frame{}
	}
	screen := paneStyle.Render(RenderFrame(frame))

	consoleWidth := max(m.width-lipgloss.Width(screen)-2, 20)
	consoleHeight := max(types.ScreenHeight/2-1, 1)

	lines := strings.Split(strings.ReplaceAll(string(m.console), "\r", ""), "\n")
	if len(lines) > consoleHeight {
		lines = lines[len(lines)-consoleHeight:]
	}
	for i, l := range lines {
		if len(l) > consoleWidth {
			lines[i] = l[:consoleWidth]
		}
	}

	header := titleStyle.Render("Console") + " " + hintStyle.Render("←↑→↓ swipe  enter button  q quit")
	if m.stopped {
		header += " " + stoppedStyle.Render("stopped")
	}
	console := paneStyle.Width(consoleWidth).Height(consoleHeight).Render(header + "\n" + strings.Join(lines, "\n"))

	return lipgloss.JoinHorizontal(lipgloss.Top, screen, console)
}
