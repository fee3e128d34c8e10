package session

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"

	"github.com/nsrpc/nsrpc/internal/registry"
	"github.com/nsrpc/nsrpc/internal/wire"
)

func init() {
	// Register every shape that can appear inside the any-typed fields of
	// wire.RequestPayload/Envelope (§4.E) so the gob serializer can carry
	// them without the sender and receiver sharing concrete types up
	// front (§4.A "pickle"-equivalent path).
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(wire.CursorStart{})
	gob.Register(wire.CursorError{})
	gob.Register(wire.ErrorBody{})
	gob.Register([]registry.Descriptor{})
	gob.Register(registry.Descriptor{})
	gob.Register(registry.Param{})
}

// Codec encodes and decodes the wire frames exchanged on a session,
// serialized according to the negotiated setup claim (§4.A, §6:
// serialization ∈ {"json","pickle"}).
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error

	// Binary reports whether encoded frames must travel as websocket
	// binary messages rather than UTF-8 text messages (§4.E: "UTF-8 text
	// for json, binary frames for pickle-equivalent").
	Binary() bool
}

// jsonCodec is the "json" serializer.
type jsonCodec struct{}

func (jsonCodec) Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	return b, nil
}

func (jsonCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json decode: %w", err)
	}
	return nil
}

func (jsonCodec) Binary() bool { return false }

// gobCodec is the "pickle" serializer's Go-native equivalent: a binary,
// self-describing format for values not restricted to JSON's type set
// (§4.A; DESIGN NOTES/DOMAIN STACK: no ecosystem pickle-compatible codec
// was available to ground this on, so it is built on encoding/gob).
type gobCodec struct{}

func (gobCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Decode(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("gob decode: %w", err)
	}
	return nil
}

func (gobCodec) Binary() bool { return true }

// CodecFor resolves the negotiated serializer name to a Codec.
func CodecFor(serializer string) (Codec, error) {
	switch serializer {
	case wire.SerializerJSON, "":
		return jsonCodec{}, nil
	case wire.SerializerPickle:
		return gobCodec{}, nil
	default:
		return nil, fmt.Errorf("session: unknown serializer %q", serializer)
	}
}
