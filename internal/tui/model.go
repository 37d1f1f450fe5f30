// Package tui renders a conversation pane in the terminal.
package tui

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"vibez/internal/media"
	"vibez/internal/message"
	"vibez/internal/pane"
)

const (
	requestTimeout = 15 * time.Second
	typingPoll     = 3 * time.Second
)

type Options struct {
	Pane      *pane.Pane
	Self      string
	Assistant string
	Title     string
	Names     Names
	// Typing, if set, is polled for the other members currently typing.
	Typing func(ctx context.Context) ([]string, error)
}

// Run opens the pane and blocks until the user quits.
func Run(opts Options) error {
	m := NewModel(opts)
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion()).Run()
	m.Close()
	return err
}

type Model struct {
	opts     Options
	p        *pane.Pane
	viewport viewport.Model
	input    textinput.Model
	view     pane.View
	typing   []string
	status   string
	lastSnap uint64
	ready    bool
	loading  bool
	composed bool
	done     chan struct{}
}

type (
	openedMsg struct{ err error }
	updateMsg struct{}
	loadedMsg struct {
		n      int
		err    error
		anchor pane.Anchor
	}
	resultMsg struct {
		status string
		err    error
	}
	typingMsg struct {
		names []string
		err   error
	}
)

func NewModel(opts Options) *Model {
	if opts.Names == nil {
		opts.Names = func(id string) string { return id }
	}
	input := textinput.New()
	input.Placeholder = "Message (/file <path> [caption], /retry, /react <emoji>, /delete)"
	input.Prompt = "› "
	input.CharLimit = 4000
	input.Focus()

	return &Model{
		opts:     opts,
		p:        opts.Pane,
		viewport: viewport.New(0, 0),
		input:    input,
		done:     make(chan struct{}),
	}
}

// Close stops background commands and the pane.
func (m *Model) Close() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	m.p.Close()
}

func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, m.openCmd(), m.waitUpdate()}
	if m.opts.Typing != nil {
		cmds = append(cmds, m.pollTyping(0))
	}
	return tea.Batch(cmds...)
}

// ---------------------------------------------
// 📨 Commands
// ---------------------------------------------

func (m *Model) openCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return openedMsg{err: m.p.Open(ctx)}
	}
}

func (m *Model) waitUpdate() tea.Cmd {
	updates := m.p.Updates()
	return func() tea.Msg {
		select {
		case <-updates:
			return updateMsg{}
		case <-m.done:
			return nil
		}
	}
}

func (m *Model) loadMoreCmd(anchor pane.Anchor) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		n, err := m.p.LoadMore(ctx)
		return loadedMsg{n: n, err: err, anchor: anchor}
	}
}

func (m *Model) pollTyping(after time.Duration) tea.Cmd {
	return tea.Tick(after, func(time.Time) tea.Msg {
		select {
		case <-m.done:
			return nil
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		names, err := m.opts.Typing(ctx)
		return typingMsg{names: names, err: err}
	})
}

func (m *Model) background(fn func(ctx context.Context) (string, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		status, err := fn(ctx)
		return resultMsg{status: status, err: err}
	}
}

// ---------------------------------------------
// 🔄 Update
// ---------------------------------------------

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case openedMsg:
		if msg.err != nil {
			m.status = "could not load messages: " + msg.err.Error()
		}
		m.refresh()
		return m, nil

	case updateMsg:
		// A page being prepended is rendered together with its anchor.
		if !m.loading {
			m.refresh()
		}
		return m, m.waitUpdate()

	case loadedMsg:
		m.loading = false
		m.refresh()
		if msg.err != nil {
			m.status = "could not load older messages; scroll up to retry"
			return m, nil
		}
		if msg.n > 0 {
			m.viewport.SetYOffset(msg.anchor.Restore(m.viewport.TotalLineCount()))
		}
		return m, nil

	case resultMsg:
		m.status = msg.status
		if msg.err != nil {
			m.status = msg.err.Error()
		}
		return m, nil

	case typingMsg:
		if msg.err == nil {
			m.typing = msg.names
		}
		return m, m.pollTyping(typingPoll)

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			value := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			cmds := []tea.Cmd{m.typingChanged(false)}
			if value != "" {
				cmds = append(cmds, m.submit(value))
			}
			return m, tea.Batch(cmds...)
		case tea.KeyHome:
			m.viewport.GotoTop()
			return m, m.scrolled()
		case tea.KeyEnd:
			m.viewport.GotoBottom()
			return m, m.scrolled()
		case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, tea.Batch(cmd, m.scrolled())
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, tea.Batch(cmd, m.typingChanged(m.input.Value() != ""))

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, tea.Batch(cmd, m.scrolled())
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// scrolled reports the new geometry and loads older messages at the top.
func (m *Model) scrolled() tea.Cmd {
	m.p.Scrolled(m.viewport.YOffset, m.viewport.TotalLineCount(), m.viewport.Height)
	if !m.viewport.AtTop() || m.loading || !m.view.HasMore {
		return nil
	}
	m.loading = true
	return m.loadMoreCmd(pane.Measure(m.viewport.YOffset, m.viewport.TotalLineCount()))
}

func (m *Model) typingChanged(typing bool) tea.Cmd {
	if typing == m.composed {
		return nil
	}
	m.composed = typing
	return m.background(func(ctx context.Context) (string, error) {
		// Typing indicators are best effort.
		_ = m.p.SetTyping(ctx, typing)
		return m.status, nil
	})
}

func (m *Model) submit(value string) tea.Cmd {
	cmd, arg, _ := strings.Cut(value, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/file":
		path, caption, _ := strings.Cut(arg, " ")
		a, err := media.FromPath(path)
		if err != nil {
			m.status = err.Error()
			return nil
		}
		if _, err := m.p.SendFile(a, strings.TrimSpace(caption)); err != nil {
			m.status = err.Error()
		}
		return nil

	case "/cancel":
		n := 0
		for id := range m.view.Progress {
			if m.p.CancelUpload(id) {
				n++
			}
		}
		m.status = ""
		if n == 0 {
			m.status = "no upload in progress"
		}
		return nil

	case "/retry":
		for i := len(m.view.Messages) - 1; i >= 0; i-- {
			msg := m.view.Messages[i]
			if msg.Status != message.StatusError {
				continue
			}
			if _, err := m.p.Resend(msg.CorrelationID); err != nil {
				m.status = err.Error()
				if errors.Is(err, pane.ErrNotResendable) {
					m.status = "attachments must be sent again with /file"
				}
			} else {
				m.status = ""
			}
			return nil
		}
		m.status = "nothing to retry"
		return nil

	case "/react":
		target, ok := m.newest(func(msg message.Message) bool { return msg.ID != "" && !msg.Deleted })
		if !ok || arg == "" {
			m.status = "usage: /react <emoji>"
			return nil
		}
		return m.background(func(ctx context.Context) (string, error) {
			return "", m.p.React(ctx, target.ID, arg)
		})

	case "/delete":
		target, ok := m.newest(func(msg message.Message) bool {
			return msg.SenderID == m.opts.Self && msg.ID != "" && !msg.Deleted
		})
		if !ok {
			m.status = "nothing of yours to delete"
			return nil
		}
		return m.background(func(ctx context.Context) (string, error) {
			return "", m.p.Delete(ctx, target.ID)
		})
	}

	if _, err := m.p.SendText(value); err != nil {
		m.status = err.Error()
	}
	return nil
}

func (m *Model) newest(match func(message.Message) bool) (message.Message, bool) {
	for i := len(m.view.Messages) - 1; i >= 0; i-- {
		if match(m.view.Messages[i]) {
			return m.view.Messages[i], true
		}
	}
	return message.Message{}, false
}

func (m *Model) resize(width, height int) {
	m.viewport.Width = width
	m.viewport.Height = max(height-3, 1)
	m.input.Width = max(width-3, 1)
	m.ready = true
	m.refresh()
}

// refresh re-renders from the pane and follows snap requests.
func (m *Model) refresh() {
	m.view = m.p.View()
	if !m.ready {
		return
	}
	m.viewport.SetContent(Render(m.view, m.opts.Self, m.opts.Assistant, m.opts.Names, m.viewport.Width))
	if m.view.SnapSeq != m.lastSnap {
		m.lastSnap = m.view.SnapSeq
		m.viewport.GotoBottom()
		m.p.Scrolled(m.viewport.YOffset, m.viewport.TotalLineCount(), m.viewport.Height)
	}
}

func (m *Model) View() string {
	if !m.ready {
		return "Loading…"
	}
	status := statusLine(m.opts.Title, m.view, m.typing, m.status, m.viewport.Width)
	return lipgloss.JoinVertical(lipgloss.Left, m.viewport.View(), "", m.input.View(), status)
}
