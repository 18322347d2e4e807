package session

import (
	"context"
	"io"
	"sync"
)

// Queue is a one-way message queue for providers that hand messages from one
// goroutine to another. Closing it with io.EOF lets the reader drain what was
// already pushed; any other error is returned right away.
type Queue struct {
	ch     chan []byte
	closed chan struct{}
	once   sync.Once
	err    error
}

func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:     make(chan []byte, capacity),
		closed: make(chan struct{}),
	}
}

// CloseWith closes the queue. Only the first call has an effect.
func (q *Queue) CloseWith(err error) {
	q.once.Do(func() {
		q.err = err
		close(q.closed)
	})
}

// Push waits for room in the queue. data is copied.
func (q *Queue) Push(data []byte) error {
	select {
	case <-q.closed:
		return q.err
	default:
	}

	buf := append([]byte(nil), data...)
	select {
	case q.ch <- buf:
		return nil
	case <-q.closed:
		return q.err
	}
}

// TryPush drops data instead of waiting when the queue is full.
func (q *Queue) TryPush(data []byte) error {
	select {
	case <-q.closed:
		return q.err
	default:
	}

	select {
	case q.ch <- append([]byte(nil), data...):
	default:
	}
	return nil
}

// Pop returns the next message. It gives up with io.ErrClosedPipe once done
// is closed.
func (q *Queue) Pop(ctx context.Context, done <-chan struct{}) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case buf := <-q.ch:
		return buf, nil
	case <-q.closed:
		if q.err == io.EOF {
			select {
			case buf := <-q.ch:
				return buf, nil
			default:
			}
		}
		return nil, q.err
	case <-done:
		return nil, io.ErrClosedPipe
	}
}
