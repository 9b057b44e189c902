package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// ConsoleSink writes messages to w instead of a chat. It backs dry-run mode
// (no bot token configured) and is handy when testing schedules locally.
type ConsoleSink struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{w: w, now: time.Now}
}

func (c *ConsoleSink) Send(ctx context.Context, to ChatTarget, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "%s [chat %d/%d] %s\n", c.now().Format("2006-01-02 15:04:05"), to.ChatID, to.ThreadID, text)
	return err
}
