package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yndnr/wayback-rpki/internal/core/domain"
)

// Progress reports dates handled by a local ingestion run on a single
// status line. It implements service.Observer.
type Progress struct {
	w io.Writer

	mu       sync.Mutex
	done     int
	byTAL    map[string]int
	outcomes map[string]int
}

// NewProgress creates a progress line writing to w.
func NewProgress(w io.Writer) *Progress {
	return &Progress{
		w:        w,
		byTAL:    make(map[string]int),
		outcomes: make(map[string]int),
	}
}

// DateProcessed implements service.Observer.
func (p *Progress) DateProcessed(tal, outcome string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
	p.byTAL[tal]++
	p.outcomes[outcome]++
	p.render(tal)
}

// CycleFinished implements service.Observer.
func (p *Progress) CycleFinished(tal string, elapsed time.Duration, watermark domain.Date, entries int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "\r\033[K%s: %d dates in %s, watermark %s, %d entries\n",
		tal, p.byTAL[tal], elapsed.Round(time.Millisecond), watermark, entries)
}

// Finish clears the status line.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	io.WriteString(p.w, "\r\033[K")
}

func (p *Progress) render(tal string) {
	names := make([]string, 0, len(p.outcomes))
	for o := range p.outcomes {
		names = append(names, o)
	}
	sort.Strings(names)

	counts := make([]string, len(names))
	for i, o := range names {
		counts[i] = fmt.Sprintf("%s=%d", o, p.outcomes[o])
	}
	fmt.Fprintf(p.w, "\r\033[K%d dates [%s] last: %s", p.done, strings.Join(counts, " "), tal)
}
