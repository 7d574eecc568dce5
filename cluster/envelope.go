package cluster

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	envelopeFrom    protowire.Number = 1
	envelopePayload protowire.Number = 2
)

// EncodeEnvelope frames env for transports that do not carry the sender.
func EncodeEnvelope(env Envelope) []byte {
	b := make([]byte, 0, len(env.Payload)+16)
	b = protowire.AppendTag(b, envelopeFrom, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.From))
	b = protowire.AppendTag(b, envelopePayload, protowire.BytesType)
	b = protowire.AppendBytes(b, env.Payload)
	return b
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	seenFrom := false

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, fmt.Errorf("envelope tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == envelopeFrom && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("envelope sender: %w", protowire.ParseError(n))
			}
			if v > 1<<20 {
				return Envelope{}, fmt.Errorf("envelope sender %d out of range", v)
			}
			env.From = int(v)
			seenFrom = true
			b = b[n:]
		case num == envelopePayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("envelope payload: %w", protowire.ParseError(n))
			}
			env.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("envelope field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !seenFrom {
		return Envelope{}, fmt.Errorf("envelope has no sender")
	}
	return env, nil
}
