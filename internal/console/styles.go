package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/QuangTrungK22/Discord-P2P/internal/node"
	"github.com/QuangTrungK22/Discord-P2P/internal/tracker"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("57")).
			Padding(0, 1)

	nameStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	selfStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	headerCellStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			PaddingRight(1)

	rowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			PaddingRight(1)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("2"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")).
			Bold(true)
)

// FormatChat renders one chat line. mine marks lines the local user sent.
func FormatChat(c node.Chat, mine bool) string {
	name := nameStyle.Render(c.SenderName)
	if mine {
		name = selfStyle.Render(c.SenderName)
	}
	return fmt.Sprintf("%s %s %s %s",
		timeStyle.Render(c.Timestamp.Local().Format("15:04")),
		dimStyle.Render("#"+c.ChannelID),
		name+":",
		c.Content)
}

// PeerTable renders tracker records.
func PeerTable(recs []tracker.PeerRecord) string {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		uid := r.User()
		if uid == "" {
			uid = "-"
		}
		rows = append(rows, []string{r.Addr(), uid, r.LastSeen.Local().Format(time.DateTime)})
	}
	return table([]string{"ADDRESS", "USER ID", "LAST SEEN"}, []int{24, 38, 20}, rows)
}

func errorLine(err error) string {
	return errorStyle.Render("error: " + err.Error())
}

func okLine(format string, args ...any) string {
	return okStyle.Render("✓ " + fmt.Sprintf(format, args...))
}

// table renders rows under headers with fixed column widths.
func table(headers []string, widths []int, rows [][]string) string {
	if len(rows) == 0 {
		return dimStyle.Render("  (none)")
	}
	cells := make([]string, len(headers))
	for i, h := range headers {
		cells[i] = headerCellStyle.Width(widths[i]).Render(h)
	}
	lines := []string{strings.Join(cells, "")}
	for _, r := range rows {
		for i := range headers {
			cells[i] = rowStyle.Width(widths[i]).Render(truncate(r[i], widths[i]-1))
		}
		lines = append(lines, strings.Join(cells, ""))
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, max int) string {
	if max <= 1 || len([]rune(s)) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-1]) + "…"
}
