package main

import (
	"fmt"
	"io"
	"strconv"
	"sync"

	"yochat/client/internal/chat"
	"yochat/client/internal/models"
)

// printer writes each transcript entry once, in arrival order. An entry
// is printed again only when its pending send is confirmed.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	room    string
	seen    map[string]bool
	pending map[string]bool
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

// entryKey identifies m at index i. Entries without any id are never
// deduplicated, so their position is the only stable handle.
func entryKey(i int, m models.Message) string {
	switch {
	case m.ServerID != "":
		return "s:" + m.ServerID
	case m.ClientToken != "":
		return "c:" + m.ClientToken
	default:
		return "i:" + strconv.Itoa(i)
	}
}

// Render is a chat.Session change listener.
func (p *printer) Render(v chat.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v.RoomID != p.room || p.seen == nil {
		p.room = v.RoomID
		p.seen = make(map[string]bool)
		p.pending = make(map[string]bool)
		if v.RoomID != "" {
			fmt.Fprintf(p.out, "== %s (%s) as %s ==\n", roomTitle(v), v.RoomID, v.Identity)
		}
	}

	for i, m := range v.Messages {
		if m.ClientToken != "" && p.pending[m.ClientToken] && !m.Pending {
			delete(p.pending, m.ClientToken)
			p.seen[entryKey(i, m)] = true
			fmt.Fprintf(p.out, "   delivered: %s\n", m.Body)
			continue
		}

		key := entryKey(i, m)
		if p.seen[key] {
			continue
		}
		p.seen[key] = true

		if m.Pending {
			p.pending[m.ClientToken] = true
			fmt.Fprintf(p.out, "[%s] %s: %s (sending)\n", m.SentAt.Local().Format("15:04"), m.Author, m.Body)
			continue
		}
		fmt.Fprintf(p.out, "[%s] %s: %s\n", m.SentAt.Local().Format("15:04"), m.Author, m.Body)
	}
}

func roomTitle(v chat.View) string {
	if v.RoomName == "" {
		return "loading"
	}
	return v.RoomName
}
