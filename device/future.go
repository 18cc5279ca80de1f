package device

import (
	"context"
	"time"
)

// future is the Future and ReadFuture of CPUBackend commands.
type future struct {
	done     chan struct{}
	err      error
	elapsed  time.Duration
	payload  []byte
	checksum uint64
}

var (
	_ Future     = (*future)(nil)
	_ ReadFuture = (*future)(nil)
)

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

// failedFuture returns a future that has already completed with err.
func failedFuture(err error) *future {
	f := newFuture()
	f.complete(err, 0)

	return f
}

func (f *future) complete(err error, elapsed time.Duration) {
	f.err = err
	f.elapsed = elapsed
	close(f.done)
}

func (f *future) Done() <-chan struct{} {
	return f.done
}

func (f *future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *future) Elapsed() time.Duration {
	select {
	case <-f.done:
		return f.elapsed
	default:
		return 0
	}
}

func (f *future) Payload() []byte {
	return f.payload
}

func (f *future) Checksum() uint64 {
	return f.checksum
}

// WaitAll waits for every future and returns the first error, along with the
// summed execution time of the futures that completed.
func WaitAll(ctx context.Context, futures ...Future) (time.Duration, error) {
	var total time.Duration
	var first error
	for _, f := range futures {
		if f == nil {
			continue
		}
		err := f.Wait(ctx)
		if err != nil && first == nil {
			first = err
		}
		total += f.Elapsed()
	}

	return total, first
}
