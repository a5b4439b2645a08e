package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	logx "streambot/pkg/logx"
)

// maxEventLine bounds one NDJSON line. Longer lines are skipped.
const maxEventLine = 1 << 20

// Ingest reads newline-delimited JSON events from rd and passes each to
// handle until EOF or ctx is done. Blank, comment, oversize and malformed
// lines are skipped.
func Ingest(ctx context.Context, rd io.Reader, log logx.Logger, handle func(ctx context.Context, ev *Event)) error {
	br := bufio.NewReaderSize(rd, 64*1024)
	line := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, tooLong, err := readLine(br, maxEventLine)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if len(raw) > 0 || tooLong || err == nil {
			line++
		}
		switch raw = bytes.TrimSpace(raw); {
		case tooLong:
			log.Warn("ingest: event line too long", logx.Int("line", line), logx.Int("max", maxEventLine))
		case len(raw) == 0 || raw[0] == '#':
		default:
			var ev Event
			if jerr := json.Unmarshal(raw, &ev); jerr != nil {
				log.Warn("ingest: malformed event", logx.Int("line", line), logx.Err(jerr))
			} else {
				handle(ctx, &ev)
			}
		}
		if err != nil {
			return nil
		}
	}
}

// readLine returns the next line without its newline. A line longer than
// limit is consumed and reported as tooLong with no content.
func readLine(br *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit+1 {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return bytes.TrimSuffix(line, []byte("\n")), tooLong, err
	}
}

// streamQueue runs the events of one stream one after another, in arrival
// order, while different streams proceed concurrently.
type streamQueue struct {
	mu      sync.Mutex
	pending map[string][]*Event
}

func newStreamQueue() *streamQueue {
	return &streamQueue{pending: map[string][]*Event{}}
}

// push queues ev and reports whether the caller must start a drain for id.
func (q *streamQueue) push(id string, ev *Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	evs, active := q.pending[id]
	q.pending[id] = append(evs, ev)
	return !active
}

// next pops the oldest event of id. When none is left the drain for id ends.
func (q *streamQueue) next(id string) (*Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	evs := q.pending[id]
	if len(evs) == 0 {
		delete(q.pending, id)
		return nil, false
	}
	q.pending[id] = evs[1:]
	return evs[0], true
}

// drain runs fn over the queued events of id until the queue is empty.
func (q *streamQueue) drain(id string, fn func(ev *Event)) {
	for {
		ev, ok := q.next(id)
		if !ok {
			return
		}
		fn(ev)
	}
}

func eventKey(ev *Event) string {
	if ev == nil || ev.Stream == nil {
		return ""
	}
	return ev.Stream.ID
}
