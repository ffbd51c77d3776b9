package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/charmbracelet/lipgloss"
)

var (
	ownStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	peerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("229")).Bold(true)
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Italic(true)
)

// view prints the active room. It remembers how much of each room log has
// been shown so that every change only prints the new tail.
type view struct {
	mu      sync.Mutex
	out     io.Writer
	user    string
	active  string
	printed map[string]int
}

func newView(out io.Writer, user string) *view {
	return &view{out: out, user: user, printed: make(map[string]int)}
}

// roomLog is the part of a room log the view reads.
type roomLog interface {
	Room() string
	Snapshot() []protocol.Message
}

// switchTo makes the log's room the displayed room and prints its history.
// The snapshot is taken under v.mu so a concurrent update is either included
// here or printed as a tail afterwards.
func (v *view) switchTo(l roomLog) {
	v.mu.Lock()
	defer v.mu.Unlock()

	room := l.Room()
	messages := l.Snapshot()
	v.active = room
	fmt.Fprintln(v.out, headerStyle.Render("── "+room+" ──"))
	for _, m := range messages {
		fmt.Fprintln(v.out, v.format(m))
	}
	v.printed[room] = len(messages)
}

// update is the session's change callback.
func (v *view) update(room string, messages []protocol.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	shown := v.printed[room]
	switch {
	case len(messages) == 0:
		shown = 0
	case len(messages) < shown:
		// Older than what switchTo already printed.
		return
	}
	v.printed[room] = len(messages)

	if room != v.active {
		return
	}
	for _, m := range messages[shown:] {
		fmt.Fprintln(v.out, v.format(m))
	}
}

func (v *view) notice(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, noticeStyle.Render(text))
}

func (v *view) format(m protocol.Message) string {
	name := peerStyle.Render(m.User)
	if m.User == v.user {
		name = ownStyle.Render(m.User)
	}
	return fmt.Sprintf("%s %s: %s", timeStyle.Render(clock(m.Time)), name, m.Msg)
}

// clock renders a message time as local HH:MM, falling back to the raw text.
func clock(stamp string) string {
	t, err := time.Parse(protocol.TimeLayout, stamp)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, stamp)
		if err != nil {
			return stamp
		}
	}
	return t.Local().Format("15:04")
}
