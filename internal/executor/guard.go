package executor

import (
	"sync"

	"github.com/kiranshivaraju/genflow/internal/provider"
)

// progressGuard keeps reported progress non-decreasing and below the
// pre-completion ceiling.
type progressGuard struct {
	mu      sync.Mutex
	last    int
	lastMsg string
}

func newProgressGuard(start int) *progressGuard {
	return &progressGuard{last: start}
}

type progressTick int

const (
	tickDrop progressTick = iota
	tickMessage
	tickAdvance
)

// accept clamps pct and classifies the tick. A lower percentage is dropped. An
// equal one only carries a new message.
func (g *progressGuard) accept(pct int, msg string) (int, progressTick) {
	pct = provider.Clamp(pct)
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case pct < g.last:
		return 0, tickDrop
	case pct == g.last:
		if msg == "" || msg == g.lastMsg {
			return 0, tickDrop
		}
		g.lastMsg = msg
		return pct, tickMessage
	}
	g.last = pct
	g.lastMsg = msg
	return pct, tickAdvance
}
