package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/abdul-hamid-achik/kestrel/packages/core/events"
)

// progressReceiver streams test lifecycle events as they happen. Events
// arrive from many goroutines.
type progressReceiver struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *progressReceiver) OnEvent(_ context.Context, ev events.Event) error {
	if ev.Instance == nil {
		return nil
	}

	var line string
	switch ev.Kind {
	case events.TestStart:
		line = fmt.Sprintf("  ▶ %s", ev.Instance.ID)
	case events.TestRetry:
		line = fmt.Sprintf("  ↻ %s (attempt %d): %v", ev.Instance.ID, ev.Attempt+1, ev.Err)
	case events.TestEnd, events.TestSkipped:
		line = fmt.Sprintf("  ■ %s %s", ev.Instance.ID, ev.State)
	default:
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintln(p.w, line)
	return err
}
