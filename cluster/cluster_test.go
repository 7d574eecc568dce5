package cluster

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/bcdannyboy/dpricer/xerrors"
	"github.com/google/uuid"
)

func TestLocalBroadcastAndReply(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := RunLocal(ctx, 4, func(ctx context.Context, cc *Context) error {
		if cc.IsMaster() {
			if err := cc.Broadcast(ctx, []byte("ping")); err != nil {
				return err
			}
			seen := map[int]bool{}
			for len(seen) < cc.Size()-1 {
				env, err := cc.Recv(ctx)
				if err != nil {
					return err
				}
				if string(env.Payload) != "pong" {
					t.Errorf("rank %d replied %q", env.From, env.Payload)
				}
				seen[env.From] = true
			}
			return nil
		}

		env, err := cc.Recv(ctx)
		if err != nil {
			return err
		}
		if env.From != 0 || string(env.Payload) != "ping" {
			t.Errorf("rank %d got %q from %d", cc.Rank(), env.Payload, env.From)
		}
		return cc.Send(ctx, 0, []byte("pong"))
	})
	if err != nil {
		t.Fatalf("RunLocal: %v", err)
	}
}

func TestLocalRecvTimeout(t *testing.T) {
	network := NewLocalNetwork(2)
	cc, err := NewContext(0, 2, network.Transport(0))
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = cc.Recv(ctx)
	if !errors.Is(err, xerrors.ErrCommunication) {
		t.Fatalf("err = %v, want communication error", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want the deadline as cause", err)
	}

	cc.Close()
	if _, err := cc.Recv(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("recv after close: %v", err)
	}
}

func TestContextValidation(t *testing.T) {
	network := NewLocalNetwork(2)
	if _, err := NewContext(2, 2, network.Transport(0)); !errors.Is(err, xerrors.ErrConfiguration) {
		t.Errorf("rank out of range: %v", err)
	}
	if _, err := NewContext(0, 0, nil); !errors.Is(err, xerrors.ErrConfiguration) {
		t.Errorf("empty run: %v", err)
	}

	cc, _ := NewContext(1, 2, network.Transport(1))
	if err := cc.Send(context.Background(), 1, nil); !errors.Is(err, xerrors.ErrCommunication) {
		t.Errorf("send to self: %v", err)
	}
	if err := cc.Send(context.Background(), 5, nil); xerrors.RankOf(err) != 5 {
		t.Errorf("send to unknown rank should name it: %v", err)
	}

	solo, err := NewContext(0, 1, nil)
	if err != nil {
		t.Fatalf("single rank: %v", err)
	}
	if err := solo.Broadcast(context.Background(), []byte("x")); err != nil {
		t.Errorf("broadcast with no peers: %v", err)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	in := Envelope{From: 17, Payload: []byte{0, 1, 2, 255}}
	out, err := DecodeEnvelope(EncodeEnvelope(in))
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if out.From != in.From || !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}

	if _, err := DecodeEnvelope([]byte{0x12, 0x05, 0x01}); err == nil {
		t.Errorf("truncated envelope accepted")
	}
	if _, err := DecodeEnvelope(nil); err == nil {
		t.Errorf("envelope without sender accepted")
	}
}

// TestNATSExchange needs a reachable server, e.g. DPRICER_TEST_NATS_URL=nats://127.0.0.1:4222.
func TestNATSExchange(t *testing.T) {
	url := os.Getenv("DPRICER_TEST_NATS_URL")
	if url == "" {
		t.Skip("DPRICER_TEST_NATS_URL not set")
	}

	cfg := NATSConfig{URL: url, RunID: uuid.NewString()}
	a, err := DialNATS(cfg, 0)
	if err != nil {
		t.Fatalf("dial rank 0: %v", err)
	}
	defer a.Close()
	b, err := DialNATS(cfg, 1)
	if err != nil {
		t.Fatalf("dial rank 1: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.Send(ctx, 0, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	env, err := a.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if env.From != 1 || string(env.Payload) != "hello" {
		t.Errorf("got %+v", env)
	}
}
