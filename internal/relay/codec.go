package relay

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

const ContentType = "application/cbor"

// Codec encodes relayed messages as deterministic CBOR.
type Codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCodec() (*Codec, error) {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	enc, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor dec mode: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

func (c *Codec) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *Codec) Unmarshal(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}
