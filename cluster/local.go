package cluster

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

const defaultInbox = 64

// LocalNetwork connects ranks living in one process through channels.
type LocalNetwork struct {
	inboxes []chan Envelope
}

func NewLocalNetwork(size int) *LocalNetwork {
	n := &LocalNetwork{inboxes: make([]chan Envelope, size)}
	for i := range n.inboxes {
		n.inboxes[i] = make(chan Envelope, defaultInbox)
	}
	return n
}

// Transport returns the endpoint of rank.
func (n *LocalNetwork) Transport(rank int) Transport {
	return &localTransport{rank: rank, net: n, closed: make(chan struct{})}
}

type localTransport struct {
	rank   int
	net    *LocalNetwork
	closed chan struct{}
	once   sync.Once
}

func (t *localTransport) Send(ctx context.Context, to int, payload []byte) error {
	if to < 0 || to >= len(t.net.inboxes) {
		return fmt.Errorf("no rank %d in a network of %d", to, len(t.net.inboxes))
	}
	msg := Envelope{From: t.rank, Payload: append([]byte(nil), payload...)}

	select {
	case t.net.inboxes[to] <- msg:
		return nil
	case <-t.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *localTransport) Recv(ctx context.Context) (Envelope, error) {
	select {
	case msg := <-t.net.inboxes[t.rank]:
		return msg, nil
	case <-t.closed:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (t *localTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// RunLocal runs fn once per rank, each in its own goroutine, and returns the
// first error. The context passed to fn is cancelled when any rank fails.
func RunLocal(ctx context.Context, size int, fn func(ctx context.Context, cc *Context) error) error {
	network := NewLocalNetwork(size)
	g, gctx := errgroup.WithContext(ctx)

	for rank := 0; rank < size; rank++ {
		cc, err := NewContext(rank, size, network.Transport(rank))
		if err != nil {
			return err
		}
		g.Go(func() error {
			defer cc.Close()
			return fn(gctx, cc)
		})
	}
	return g.Wait()
}
