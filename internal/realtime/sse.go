package realtime

import (
	"context"
	"fmt"
	"io"
	"time"
)

// DefaultHeartbeat is the SSE keep-alive period.
const DefaultHeartbeat = 15 * time.Second

// FlushWriter is a response writer that can push buffered bytes to the peer.
type FlushWriter interface {
	io.Writer
	Flush()
}

// ServeSSE streams initial frames and then everything the subscription
// receives as server-sent events until ctx ends, the hub closes the
// subscription or a write fails. An evicted subscription gets a final
// "resync" event. The returned error is the first write failure, if any.
func ServeSSE(ctx context.Context, w FlushWriter, sub *Subscription, initial []Frame, heartbeat time.Duration) error {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	for _, f := range initial {
		if err := writeSSE(w, string(f.Type), f.Payload); err != nil {
			return err
		}
	}
	w.Flush()

	tick := time.NewTicker(heartbeat)
	defer tick.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			_, err = fmt.Fprintf(w, ": ping %d\n\n", time.Now().Unix())
		case f, ok := <-sub.C():
			if !ok {
				if sub.Evicted() {
					err = writeSSE(w, "resync", []byte(`{"reason":"slow_consumer"}`))
					w.Flush()
				}
				return err
			}
			err = writeSSE(w, string(f.Type), f.Payload)
		}
		if err != nil {
			return err
		}
		w.Flush()
	}
}

// writeSSE writes a single SSE event. Payloads are compact JSON and never
// contain raw newlines.
func writeSSE(w io.Writer, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
