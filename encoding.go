package covpipe

import (
	"encoding/json"
)

// Marshaler interface specifies encoding to byte array and back to the object.
type Marshaler interface {
	// Encodes any object to byte array.
	Marshal(v any) ([]byte, error)
	// Decodes byte array back to its Object type.
	Unmarshal(data []byte, v any) error
}

type defaultMarshaler struct{}

// NewMarshaler returns the default marshaler which uses the stdlib json package.
func NewMarshaler() Marshaler {
	return &defaultMarshaler{}
}

// DefaultMarshaler is used wherever structs are written to the KV store or
// the task broker envelope.
var DefaultMarshaler = NewMarshaler()

func (m defaultMarshaler) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (m defaultMarshaler) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
