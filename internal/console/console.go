// Package console turns typed command lines into node operations. It backs
// both the plain line console and the full-screen chat view.
package console

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/QuangTrungK22/Discord-P2P/internal/node"
)

// selectHistory is how many backed-up lines are shown on switching channel.
const selectHistory = 20

const helpText = `commands:
  send <text>            send to the current channel (plain text works too)
  channel [id]           show or select the current channel
  history [n]            backed-up lines of the current channel
  join <id> | leave <id> change channel membership on the tracker
  stream start|stop      host a stream in the current channel
  stream view <user_id>  watch an announced stream
  stream unview | list
  peers                  live connections
  status                 node status
  refresh                reconcile with the tracker now
  quit`

// Console executes command lines against a node.
type Console struct {
	n *node.Node
}

func New(n *node.Node) *Console {
	return &Console{n: n}
}

// Exec runs one line and returns the text to show. quit is set when the
// user asked to leave. Lines that are not a known command are sent as chat.
func (c *Console) Exec(ctx context.Context, line string) (out string, quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(cmd) {
	case "quit", "exit":
		return "", true
	case "help", "?":
		return helpText, false
	case "send":
		return c.send(ctx, rest), false
	case "channel":
		return c.channel(ctx, rest), false
	case "history":
		return c.history(ctx, rest), false
	case "join":
		return c.membership(ctx, rest, true), false
	case "leave":
		return c.membership(ctx, rest, false), false
	case "stream":
		return c.stream(ctx, rest), false
	case "peers":
		return c.peers(), false
	case "status":
		return c.status(), false
	case "refresh":
		return c.refresh(ctx), false
	default:
		return c.send(ctx, line), false
	}
}

func (c *Console) send(ctx context.Context, text string) string {
	ch, ok := c.n.Channel()
	if !ok {
		return errorLine(errors.New("no channel selected, use 'channel <id>'"))
	}
	chat, outcome, err := c.n.SendChat(ctx, ch, text)
	if err != nil {
		return errorLine(err)
	}
	failed := 0
	for _, err := range outcome {
		if err != nil {
			failed++
		}
	}
	line := FormatChat(chat, true)
	if len(outcome) == 0 {
		return line + " " + dimStyle.Render("(no peers)")
	}
	if failed > 0 {
		return line + " " + errorStyle.Render(fmt.Sprintf("(%d/%d failed)", failed, len(outcome)))
	}
	return line
}

func (c *Console) channel(ctx context.Context, id string) string {
	if id == "" {
		if ch, ok := c.n.Channel(); ok {
			return "current channel: #" + ch
		}
		return dimStyle.Render("no channel selected")
	}
	c.n.SelectChannel(id)
	out := okLine("switched to #%s", id)
	hist, err := c.n.History(ctx, id, selectHistory)
	switch {
	case errors.Is(err, node.ErrNoBackup):
	case err != nil:
		out += "\n" + errorLine(err)
	case len(hist) > 0:
		out += "\n" + c.formatHistory(hist)
	}
	return out
}

func (c *Console) history(ctx context.Context, arg string) string {
	ch, ok := c.n.Channel()
	if !ok {
		return errorLine(errors.New("no channel selected, use 'channel <id>'"))
	}
	limit := 0
	if arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			return errorLine(fmt.Errorf("invalid line count %q", arg))
		}
		limit = n
	}
	hist, err := c.n.History(ctx, ch, limit)
	if err != nil {
		return errorLine(err)
	}
	if len(hist) == 0 {
		return dimStyle.Render("(no history)")
	}
	return c.formatHistory(hist)
}

func (c *Console) formatHistory(hist []node.Chat) string {
	self := c.n.Status().UserID
	lines := make([]string, 0, len(hist))
	for _, h := range hist {
		lines = append(lines, FormatChat(h, h.SenderID == self))
	}
	return strings.Join(lines, "\n")
}

func (c *Console) membership(ctx context.Context, id string, join bool) string {
	if id == "" {
		return errorLine(errors.New("channel id required"))
	}
	if join {
		if err := c.n.JoinChannel(ctx, id); err != nil {
			return errorLine(err)
		}
		return okLine("joined #%s", id)
	}
	if err := c.n.LeaveChannel(ctx, id); err != nil {
		return errorLine(err)
	}
	return okLine("left #%s", id)
}

func (c *Console) stream(ctx context.Context, args string) string {
	sub, arg, _ := strings.Cut(args, " ")
	live := c.n.Livestream()
	switch sub {
	case "start":
		if err := c.n.StartStream(ctx); err != nil {
			return errorLine(err)
		}
		ch, _ := live.HostingChannel()
		return okLine("streaming in #%s", ch)
	case "stop":
		if err := live.StopHosting(ctx, true); err != nil {
			return errorLine(err)
		}
		return okLine("stream ended")
	case "view":
		id := strings.TrimSpace(arg)
		if id == "" {
			return errorLine(errors.New("usage: stream view <user_id>"))
		}
		if err := c.n.ViewStream(id); err != nil {
			return errorLine(err)
		}
		return okLine("watching %s", c.n.DisplayName(id))
	case "unview":
		if !live.StopViewing() {
			return dimStyle.Render("not watching anything")
		}
		return okLine("stopped watching")
	case "list", "":
		var rows [][]string
		for _, s := range live.Streams() {
			rows = append(rows, []string{s.StreamerName, s.StreamerID})
		}
		return table([]string{"STREAMER", "USER ID"}, []int{20, 38}, rows)
	default:
		return errorLine(fmt.Errorf("unknown stream command %q", sub))
	}
}

func (c *Console) peers() string {
	peers := c.n.Peers()
	rows := make([][]string, 0, len(peers))
	for _, p := range peers {
		name, uid := p.DisplayName, p.UserID
		if uid == "" {
			name, uid = "?", "-"
		}
		rows = append(rows, []string{p.Addr.String(), name, uid})
	}
	return table([]string{"ADDRESS", "NAME", "USER ID"}, []int{24, 20, 38}, rows)
}

func (c *Console) status() string {
	st := c.n.Status()
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", titleStyle.Render(st.DisplayName))
	fmt.Fprintf(&b, "  user id   : %s\n", st.UserID)
	if st.Listening {
		fmt.Fprintf(&b, "  listening : %s (advertised as %s)\n", st.Listen, st.AdvertiseIP)
	} else {
		fmt.Fprintf(&b, "  listening : %s\n", dimStyle.Render("no"))
	}
	online := errorStyle.Render("offline")
	if st.Online {
		online = okStyle.Render("online")
	}
	fmt.Fprintf(&b, "  network   : %s\n", online)
	fmt.Fprintf(&b, "  peers     : %d\n", st.Peers)
	if st.Channel != "" {
		fmt.Fprintf(&b, "  channel   : #%s\n", st.Channel)
	}
	if unread := c.n.Unread(); len(unread) > 0 {
		chans := make([]string, 0, len(unread))
		for ch, count := range unread {
			chans = append(chans, fmt.Sprintf("#%s(%d)", ch, count))
		}
		sort.Strings(chans)
		fmt.Fprintf(&b, "  unread    : %s\n", strings.Join(chans, " "))
	}
	if !st.LastRefresh.IsZero() {
		fmt.Fprintf(&b, "  refreshed : %s ago\n", time.Since(st.LastRefresh).Round(time.Second))
	}
	if st.RefreshErr != nil {
		fmt.Fprintf(&b, "  %s\n", errorLine(st.RefreshErr))
	}
	switch {
	case st.Live.Hosting:
		fmt.Fprintf(&b, "  stream    : hosting in #%s, %d frames sent\n", st.Live.Channel, st.Live.FramesSent)
	case st.Live.Viewing != nil:
		fmt.Fprintf(&b, "  stream    : watching %s, %d frames\n", st.Live.Viewing.StreamerName, st.Live.FramesReceived)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Console) refresh(ctx context.Context) string {
	res := c.n.Refresh(ctx)
	if res.Err != nil {
		return errorLine(res.Err)
	}
	connected := 0
	for _, o := range res.Connects {
		if o.OK {
			connected++
		}
	}
	return okLine("target %d, connected %d/%d new, dropped %d, kept %d",
		len(res.Target), connected, len(res.ToConnect), len(res.Disconnected), len(res.Kept))
}
