package framegate

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CBORCodec implements Codec using deterministic CBOR encoding
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() (*CBORCodec, error) {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	enc, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

// Marshal serializes a value to CBOR bytes
func (c *CBORCodec) Marshal(v interface{}) ([]byte, error) {
	return c.enc.Marshal(v)
}

// Unmarshal deserializes CBOR bytes to a value
func (c *CBORCodec) Unmarshal(data []byte, v interface{}) error {
	return c.dec.Unmarshal(data, v)
}

// Name returns the name of the codec
func (c *CBORCodec) Name() string {
	return "cbor"
}

// ContentType returns the MIME type of encoded envelopes
func (c *CBORCodec) ContentType() string {
	return "application/cbor"
}
