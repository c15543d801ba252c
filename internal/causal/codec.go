package causal

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Encode serializes c for transport. T must be msgpack-encodable.
func Encode[T any](c Causal[T]) ([]byte, error) {
	data, err := msgpack.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("encode causal: %w", err)
	}
	return data, nil
}

// Decode is the inverse of Encode.
func Decode[T any](data []byte) (Causal[T], error) {
	var c Causal[T]
	if err := msgpack.Unmarshal(data, &c); err != nil {
		return Causal[T]{}, fmt.Errorf("decode causal: %w", err)
	}
	return c, nil
}
