package cluster

import (
	"context"
	"errors"

	"github.com/bcdannyboy/dpricer/xerrors"
)

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("cluster: transport closed")

// Envelope is one message together with the rank that sent it.
type Envelope struct {
	From    int
	Payload []byte
}

// Transport moves opaque payloads between ranks of one run.
type Transport interface {
	Send(ctx context.Context, to int, payload []byte) error
	Recv(ctx context.Context) (Envelope, error)
	Close() error
}

// Context identifies one participant of a run: its rank, the run size and
// the transport it talks through. Rank 0 is the master.
type Context struct {
	rank int
	size int
	tr   Transport
}

func NewContext(rank, size int, tr Transport) (*Context, error) {
	if size < 1 {
		return nil, xerrors.Configuration("cluster", "cluster.size", "size must be at least 1, got %d", size)
	}
	if rank < 0 || rank >= size {
		return nil, xerrors.Configuration("cluster", "cluster.rank", "rank %d outside [0, %d)", rank, size)
	}
	if tr == nil && size > 1 {
		return nil, xerrors.Configuration("cluster", "cluster.transport", "a transport is required for %d ranks", size)
	}
	return &Context{rank: rank, size: size, tr: tr}, nil
}

func (c *Context) Rank() int      { return c.rank }
func (c *Context) Size() int      { return c.size }
func (c *Context) IsMaster() bool { return c.rank == 0 }

func (c *Context) Send(ctx context.Context, to int, payload []byte) error {
	if to < 0 || to >= c.size || to == c.rank {
		return xerrors.Communication("send", to, nil, "invalid destination for rank %d", c.rank)
	}
	if err := c.tr.Send(ctx, to, payload); err != nil {
		return xerrors.Communication("send", to, err, "delivery failed")
	}
	return nil
}

// Recv blocks until a message arrives or ctx is done.
func (c *Context) Recv(ctx context.Context) (Envelope, error) {
	if c.tr == nil {
		<-ctx.Done()
		return Envelope{}, xerrors.Communication("recv", xerrors.NoRank, ctx.Err(), "no peers")
	}
	env, err := c.tr.Recv(ctx)
	if err != nil {
		return Envelope{}, xerrors.Communication("recv", xerrors.NoRank, err, "receive failed")
	}
	if env.From < 0 || env.From >= c.size || env.From == c.rank {
		return Envelope{}, xerrors.Communication("recv", env.From, nil, "message from unexpected rank")
	}
	return env, nil
}

// Broadcast sends payload to every other rank.
func (c *Context) Broadcast(ctx context.Context, payload []byte) error {
	for r := 0; r < c.size; r++ {
		if r == c.rank {
			continue
		}
		if err := c.Send(ctx, r, payload); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) Close() error {
	if c.tr == nil {
		return nil
	}
	return c.tr.Close()
}
