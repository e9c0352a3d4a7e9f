package framegate

// JSONCodec implements Codec with the JSON engine selected at build time
// (json_goccy, json_segmentio, or the standard library)
type JSONCodec struct{}

// Marshal serializes a value to JSON bytes
func (c *JSONCodec) Marshal(v interface{}) ([]byte, error) {
	return jsonMarshal(v)
}

// Unmarshal deserializes JSON bytes to a value
func (c *JSONCodec) Unmarshal(data []byte, v interface{}) error {
	return jsonUnmarshal(data, v)
}

// Name returns the name of the codec
func (c *JSONCodec) Name() string {
	return jsonEngine
}

// ContentType returns the MIME type of encoded envelopes
func (c *JSONCodec) ContentType() string {
	return "application/json"
}
