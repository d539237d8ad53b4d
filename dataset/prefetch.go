package dataset

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrStopped is returned by Next after the wrapped source failed and its error was delivered.
var ErrStopped = errors.New("prefetcher stopped")

type fetched struct {
	b   Batch
	err error
}

// Prefetcher reads batches ahead of the consumer on its own goroutine. It cycles through
// epochs of the wrapped source, so Next never returns io.EOF.
type Prefetcher struct {
	ch     chan fetched
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
}

// Prefetch starts reading up to depth batches ahead of src. src must not be used by anyone
// else until Close returns.
func Prefetch(ctx context.Context, src Source, depth int) *Prefetcher {
	if depth < 1 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Prefetcher{
		ch:     make(chan fetched, depth),
		cancel: cancel,
		ctx:    ctx,
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(p.ch)
		for {
			b, err := Cycle(src)
			select {
			case p.ch <- fetched{b, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return p
}

// Next returns the next batch, the source's error, or the context's error once cancelled.
func (p *Prefetcher) Next() (Batch, error) {
	if err := p.ctx.Err(); err != nil {
		return Batch{}, err
	}
	select {
	case f, ok := <-p.ch:
		if !ok {
			if err := p.ctx.Err(); err != nil {
				return Batch{}, err
			}
			return Batch{}, ErrStopped
		}
		return f.b, f.err
	case <-p.ctx.Done():
		return Batch{}, p.ctx.Err()
	}
}

// Reset does nothing; a Prefetcher never ends.
func (p *Prefetcher) Reset() error { return nil }

// Close stops the reader goroutine and waits for it.
func (p *Prefetcher) Close() error {
	p.cancel()
	p.wg.Wait()
	return nil
}
