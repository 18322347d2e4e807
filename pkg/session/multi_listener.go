package session

import (
	"context"
	goerrs "errors"
	"net"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

type multiListener struct {
	listeners []Listener
	incoming  chan Incoming

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	mut_err sync.Mutex
	err     error
}

// MultiListener accepts from every listener in ls as if they were one. It ends
// when the first of them fails or once all of them are closed.
func MultiListener(ls ...Listener) Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &multiListener{
		listeners: ls,
		incoming:  make(chan Incoming),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (m *multiListener) start() {
	g, ctx := errgroup.WithContext(m.ctx)
	for _, l := range m.listeners {
		l := l
		g.Go(func() error {
			for {
				inc, err := l.Accept(ctx)
				if err != nil {
					if goerrs.Is(err, ErrListenerClosed) || ctx.Err() != nil {
						return nil
					}
					return err
				}

				select {
				case m.incoming <- inc:
				case <-ctx.Done():
					inc.Reject(ErrListenerClosed)
					return nil
				}
			}
		})
	}

	go func() {
		err := g.Wait()
		m.mut_err.Lock()
		m.err = err
		m.mut_err.Unlock()
		close(m.incoming)
	}()
}

func (m *multiListener) Accept(ctx context.Context) (Incoming, error) {
	m.startOnce.Do(m.start)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case inc, ok := <-m.incoming:
		if !ok {
			m.mut_err.Lock()
			defer m.mut_err.Unlock()
			if m.err != nil {
				return nil, m.err
			}
			return nil, ErrListenerClosed
		}
		return inc, nil
	}
}

func (m *multiListener) Addr() net.Addr {
	if len(m.listeners) == 0 {
		return nil
	}
	return m.listeners[0].Addr()
}

func (m *multiListener) Close() error {
	m.cancel()
	var err error
	for _, l := range m.listeners {
		err = multierr.Append(err, l.Close())
	}
	return err
}
