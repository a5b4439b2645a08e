// Package pool limits how many units of work run at once.
//
// A Pool keeps up to N units in flight by asking a factory for the next unit
// each time a slot frees up, until the factory reports exhaustion. It is used
// to fan out per-channel API work without overwhelming the remote API.
package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "streambot/pkg/logx"
)

const DefaultSize = 15

// Unit is one piece of work. A returned error is logged and counted; it
// never stops the pool.
type Unit func(ctx context.Context) error

// Stats summarizes one Run.
type Stats struct {
	Started int
	Failed  int
}

type Pool struct {
	size     int
	log      logx.Logger
	inFlight atomic.Int32
}

func New(size int, log logx.Logger) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{size: size, log: log}
}

func (p *Pool) Size() int { return p.size }

// InFlight reports units currently executing across all Runs of this pool.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// Run calls next whenever fewer than Size units of this Run are executing and
// returns once next reports exhaustion and every started unit has settled.
// Cancelling ctx stops new units from starting; running units see ctx.
//
// next is only ever called from the goroutine that called Run.
func (p *Pool) Run(ctx context.Context, next func() (Unit, bool)) Stats {
	if ctx == nil {
		ctx = context.Background()
	}
	sem := make(chan struct{}, p.size)
	var (
		wg      sync.WaitGroup
		started int
		failed  atomic.Int32
	)

loop:
	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break loop
		}
		if ctx.Err() != nil {
			<-sem
			break
		}
		unit, ok := next()
		if !ok {
			<-sem
			break
		}
		if unit == nil {
			<-sem
			continue
		}
		started++
		wg.Add(1)
		p.inFlight.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer p.inFlight.Add(-1)
			if err := p.exec(ctx, unit); err != nil {
				failed.Add(1)
				p.log.Debug("pool unit failed", logx.Err(err))
			}
		}()
	}

	wg.Wait()
	return Stats{Started: started, Failed: int(failed.Load())}
}

func (p *Pool) exec(ctx context.Context, unit Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.log.Error("pool unit panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return unit(ctx)
}

// Slice returns a factory that yields fn(item) for each item in order.
func Slice[T any](items []T, fn func(T) Unit) func() (Unit, bool) {
	i := 0
	return func() (Unit, bool) {
		if i >= len(items) {
			return nil, false
		}
		it := items[i]
		i++
		return fn(it), true
	}
}
