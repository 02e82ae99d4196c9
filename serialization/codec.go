package serialization

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/glimte/rabbitack/contracts"
)

// Codec converts message bodies to and from typed values
type Codec[T any] interface {
	// Encode serializes a value into a message body
	Encode(value T) ([]byte, error)

	// Decode deserializes a message body. Failures are structural and
	// are reported as contracts.InvalidMessageError.
	Decode(body []byte) (T, error)

	// ContentType returns the MIME type of encoded bodies
	ContentType() string
}

// JSONCodec encodes values as JSON
type JSONCodec[T any] struct {
	// DisallowUnknownFields rejects bodies with fields T does not declare
	DisallowUnknownFields bool
}

// NewJSONCodec creates a JSON codec for T
func NewJSONCodec[T any]() *JSONCodec[T] {
	return &JSONCodec[T]{}
}

// Encode implements Codec
func (c *JSONCodec[T]) Encode(value T) ([]byte, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", value, err)
	}
	return body, nil
}

// Decode implements Codec
func (c *JSONCodec[T]) Decode(body []byte) (T, error) {
	var value T
	if len(body) == 0 {
		return value, contracts.NewInvalidMessageError("empty body", nil)
	}

	var err error
	if c.DisallowUnknownFields {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		err = dec.Decode(&value)
	} else {
		err = json.Unmarshal(body, &value)
	}
	if err != nil {
		return value, contracts.NewInvalidMessageError(fmt.Sprintf("cannot decode %T", value), err)
	}
	return value, nil
}

// ContentType implements Codec
func (c *JSONCodec[T]) ContentType() string {
	return "application/json"
}

// RawCodec passes bodies through untouched
type RawCodec struct{}

// Encode implements Codec
func (RawCodec) Encode(value []byte) ([]byte, error) {
	return value, nil
}

// Decode implements Codec
func (RawCodec) Decode(body []byte) ([]byte, error) {
	return body, nil
}

// ContentType implements Codec
func (RawCodec) ContentType() string {
	return "application/octet-stream"
}
