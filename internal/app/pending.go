package app

import "context"

// Pending is the result of a command that runs in the background.
type Pending[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func run[T any](fn func() (T, error)) *Pending[T] {
	p := &Pending[T]{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.value, p.err = fn()
	}()
	return p
}

// Done is closed when the command has finished.
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the command finishes or ctx is done. Abandoning the
// wait does not cancel the command.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Err returns the command's error once it has finished, nil before.
func (p *Pending[T]) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}
