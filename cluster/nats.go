package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const (
	DefaultNATSURL       = nats.DefaultURL
	DefaultSubjectPrefix = "dpricer"

	ReconnectWait        = 2 * time.Second
	MaxReconnectAttempts = 5
	PingInterval         = 30 * time.Second
	MaxPingOutstanding   = 2

	natsInbox = 256
)

// NATSConfig locates the run on a NATS server. Every rank of a run must use
// the same URL, prefix and run id.
type NATSConfig struct {
	URL    string
	Prefix string
	RunID  string
	Log    *logrus.Entry
}

// NATSTransport exchanges envelopes over core NATS subjects, one subject per
// rank: <prefix>.<run id>.<rank>.
type NATSTransport struct {
	rank   int
	cfg    NATSConfig
	conn   *nats.Conn
	sub    *nats.Subscription
	msgs   chan *nats.Msg
	closed chan struct{}
	once   sync.Once
}

func DialNATS(cfg NATSConfig, rank int) (*NATSTransport, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultNATSURL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultSubjectPrefix
	}
	if cfg.RunID == "" {
		return nil, fmt.Errorf("nats transport: run id is required")
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithFields(logrus.Fields{"rank": rank, "url": cfg.URL})
	cfg.Log = log

	opts := []nats.Option{
		nats.Name(fmt.Sprintf("dpricer-%s-%d", cfg.RunID, rank)),
		nats.ReconnectWait(ReconnectWait),
		nats.MaxReconnects(MaxReconnectAttempts),
		nats.PingInterval(PingInterval),
		nats.MaxPingsOutstanding(MaxPingOutstanding),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("connected", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			entry := log.WithError(err)
			if sub != nil {
				entry = entry.WithField("subject", sub.Subject)
			}
			entry.Error("NATS error")
		}),
	}

	log.Debug("connecting to NATS")
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	t := &NATSTransport{
		rank:   rank,
		cfg:    cfg,
		conn:   conn,
		msgs:   make(chan *nats.Msg, natsInbox),
		closed: make(chan struct{}),
	}

	t.sub, err = conn.ChanSubscribe(t.subject(rank), t.msgs)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", t.subject(rank), err)
	}
	// the subscription must reach the server before any peer publishes to it
	if err := conn.Flush(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to flush subscription: %w", err)
	}

	log.WithField("subject", t.subject(rank)).Info("joined run")
	return t, nil
}

func (t *NATSTransport) subject(rank int) string {
	return fmt.Sprintf("%s.%s.%d", t.cfg.Prefix, t.cfg.RunID, rank)
}

func (t *NATSTransport) Send(ctx context.Context, to int, payload []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	data := EncodeEnvelope(Envelope{From: t.rank, Payload: payload})
	if err := t.conn.Publish(t.subject(to), data); err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); ok {
		return t.conn.FlushWithContext(ctx)
	}
	return nil
}

func (t *NATSTransport) Recv(ctx context.Context) (Envelope, error) {
	select {
	case msg := <-t.msgs:
		return DecodeEnvelope(msg.Data)
	case <-t.closed:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (t *NATSTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closed)
		if uerr := t.sub.Unsubscribe(); uerr != nil {
			t.cfg.Log.WithError(uerr).Debug("unsubscribe failed")
		}
		// Drain flushes pending publishes before closing.
		err = t.conn.Drain()
	})
	return err
}
