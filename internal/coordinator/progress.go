package coordinator

import (
	"io"
	"sync"
)

// ProgressEvent reports upload progress in [0,100]. Percent never decreases
// within one upload.
type ProgressEvent struct {
	Phase   Phase `json:"phase"`
	Percent int   `json:"percent"`
}

type Phase string

const (
	PhaseTransfer Phase = "transfer"
	PhaseFinalize Phase = "finalize"
	PhaseDone     Phase = "done"
)

// LegacyTransferCap is where the single-phase transfer leg stops; the rest
// stands for server-side acceptance.
const LegacyTransferCap = 85

// tracker drops any event that would move progress backwards.
type tracker struct {
	mu   sync.Mutex
	last int
	emit func(ProgressEvent)
}

func newTracker(emit func(ProgressEvent)) *tracker {
	if emit == nil {
		emit = func(ProgressEvent) {}
	}
	return &tracker{last: -1, emit: emit}
}

func (t *tracker) report(phase Phase, pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if pct < t.last || (pct == t.last && phase == PhaseTransfer) {
		return
	}
	t.last = pct
	t.emit(ProgressEvent{Phase: phase, Percent: pct})
}

// progressReader maps bytes read onto [0, limit].
type progressReader struct {
	r     io.Reader
	size  int64
	read  int64
	limit int
	t     *tracker
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.size > 0 {
		p.read += int64(n)
		read := p.read
		if read > p.size {
			read = p.size
		}
		p.t.report(PhaseTransfer, int(read*int64(p.limit)/p.size))
	}
	return n, err
}
