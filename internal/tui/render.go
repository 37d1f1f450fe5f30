package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"vibez/internal/message"
	"vibez/internal/pane"
)

var (
	selfColor      = lipgloss.Color("86")
	otherColor     = lipgloss.Color("212")
	assistantColor = lipgloss.Color("141")
	metaColor      = lipgloss.Color("242")
	errorColor     = lipgloss.Color("203")
	reactionColor  = lipgloss.Color("220")
	badgeBg        = lipgloss.Color("62")

	metaStyle     = lipgloss.NewStyle().Foreground(metaColor)
	errorStyle    = lipgloss.NewStyle().Foreground(errorColor)
	reactionStyle = lipgloss.NewStyle().Foreground(reactionColor)
	deletedStyle  = lipgloss.NewStyle().Foreground(metaColor).Italic(true)
	badgeStyle    = lipgloss.NewStyle().Background(badgeBg).Foreground(lipgloss.Color("230")).Padding(0, 1)
)

// Names resolves a user id to a display name.
type Names func(userID string) string

// Render draws the message list, oldest first.
func Render(v pane.View, self, assistant string, names Names, width int) string {
	if len(v.Messages) == 0 {
		switch v.State {
		case pane.StateEmpty, pane.StateLoadingInitial:
			return metaStyle.Render("Loading messages…")
		}
		return metaStyle.Render("No messages yet. Say hi!")
	}

	chunks := make([]string, 0, len(v.Messages)+1)
	if v.HasMore {
		chunks = append(chunks, metaStyle.Render("↑ scroll up for older messages"))
	}
	for _, m := range v.Messages {
		chunks = append(chunks, renderMessage(m, v.Progress, self, assistant, names, width))
	}
	return strings.Join(chunks, "\n\n")
}

func renderMessage(m message.Message, progress map[string]float64, self, assistant string, names Names, width int) string {
	color := otherColor
	name := names(m.SenderID)
	switch m.SenderID {
	case self:
		color, name = selfColor, "you"
	case assistant:
		color = assistantColor
	}
	header := lipgloss.NewStyle().Foreground(color).Bold(true).Render(name) + " " +
		metaStyle.Render(m.Timestamp.Local().Format("15:04"))

	body := lipgloss.NewStyle()
	if width > 4 {
		body = body.Width(width - 2)
	}

	var lines []string
	lines = append(lines, header)
	switch c := m.Content.(type) {
	case message.Reply:
		quote := fmt.Sprintf("│ %s: %s", c.Ref.MessageSender, c.Ref.MessageText)
		lines = append(lines, metaStyle.Render(truncate(quote, width)), body.Render(c.Body))
	case message.Media:
		lines = append(lines, metaStyle.Render(attachmentLabel(c.File)))
		if c.Caption != "" {
			lines = append(lines, body.Render(c.Caption))
		}
	default:
		if m.Deleted {
			lines = append(lines, deletedStyle.Render(m.Text()))
		} else {
			lines = append(lines, body.Render(m.Text()))
		}
	}

	if pct, ok := progress[m.CorrelationID]; ok {
		lines = append(lines, metaStyle.Render(fmt.Sprintf("uploading %.0f%% (/cancel to stop)", pct)))
	}
	if r := renderReactions(m.Reactions); r != "" {
		lines = append(lines, r)
	}
	if m.SenderID == self {
		if s := statusLabel(m.Status); s != "" {
			lines = append(lines, s)
		}
	}
	return strings.Join(lines, "\n")
}

func attachmentLabel(f message.File) string {
	kind := "file"
	if i := strings.IndexByte(f.Type, '/'); i > 0 {
		kind = f.Type[:i]
	}
	label := fmt.Sprintf("[%s] %s", kind, f.Name)
	if f.Duration > 0 {
		label += fmt.Sprintf(" (%.0fs)", f.Duration)
	}
	return label
}

func renderReactions(rs []message.Reaction) string {
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		parts = append(parts, fmt.Sprintf("%s %d", r.Emoji, r.Count))
	}
	if len(parts) == 0 {
		return ""
	}
	return reactionStyle.Render(strings.Join(parts, "  "))
}

func statusLabel(s message.Status) string {
	switch s {
	case message.StatusSending:
		return metaStyle.Render("sending…")
	case message.StatusError:
		return errorStyle.Render("not sent. /retry to try again")
	case message.StatusRead:
		return metaStyle.Render("✓✓ read")
	case message.StatusDelivered:
		return metaStyle.Render("✓✓")
	}
	return ""
}

func truncate(s string, width int) string {
	if width <= 1 || lipgloss.Width(s) <= width {
		return s
	}
	r := []rune(s)
	for len(r) > 0 && lipgloss.Width(string(r)) > width-1 {
		r = r[:len(r)-1]
	}
	return string(r) + "…"
}

// statusLine shows the title, typing indicator and the unseen badge.
func statusLine(title string, v pane.View, typing []string, status string, width int) string {
	left := title
	if len(typing) > 0 {
		left += " · " + strings.Join(typing, ", ") + " typing…"
	}
	if status != "" {
		left += " · " + status
	}
	right := ""
	if v.Unseen > 0 {
		right = badgeStyle.Render(fmt.Sprintf("%d new ↓", v.Unseen))
	}
	line := metaStyle.Render(left)
	if right == "" || width <= 0 {
		return line
	}
	gap := width - lipgloss.Width(line) - lipgloss.Width(right)
	if gap < 1 {
		return line + " " + right
	}
	return line + strings.Repeat(" ", gap) + right
}
