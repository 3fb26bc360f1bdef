// Package codec turns ledger records and trade receipts into bytes for byte
// stores and message brokers.
package codec

import "fmt"

// Codec encodes V to bytes and back.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Names lists the formats ByName understands.
var Names = []string{"json", "cbor", "msgpack"}

// ByName picks a codec by format name. An empty name means JSON.
func ByName[V any](name string) (Codec[V], error) {
	switch name {
	case "", "json":
		return JSON[V]{}, nil
	case "cbor":
		c, err := NewCBOR[V](true)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "msgpack":
		return Msgpack[V]{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown format %q (want one of %v)", name, Names)
	}
}
