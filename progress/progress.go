package progress

import (
	"sync"

	"github.com/pterm/pterm"
)

// Bar tracks the per-rule message batch on the console.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar over total messages if logLevel is "info".
// At other levels the bar stays disabled and every method is a no-op.
func New(total int, title string, logLevel string) *Bar {
	bar := &Bar{enabled: logLevel == "info" && total > 0}

	if bar.enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle(title).
			Start()
		bar.pb = pb
	}

	return bar
}

// Step advances the bar by one message, showing the message id being worked.
func (b *Bar) Step(messageID string) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.pb.Increment()
	if messageID != "" {
		b.pb.UpdateTitle("Processing message " + messageID)
	}
}

// Fail reports a message failure above the bar without stopping it.
func (b *Bar) Fail(messageID string, err error) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pterm.Error.Printf("message %s: %v\n", messageID, err)
}

// Stop finalizes the bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.pb.Total {
		b.pb.Current = b.pb.Total
	}
	_, _ = b.pb.Stop()
}
