package framegate

import (
	"fmt"
	"os"
)

// Codec serializes envelopes handed to downstream sinks
type Codec interface {
	// Marshal serializes a value to bytes
	Marshal(v interface{}) ([]byte, error)

	// Unmarshal deserializes bytes to a value
	Unmarshal(data []byte, v interface{}) error

	// Name returns the name of the codec
	Name() string

	// ContentType is attached to broker messages as metadata
	ContentType() string
}

// CodecType represents the type of codec to use
type CodecType string

const (
	// CodecJSON uses JSON encoding (default)
	CodecJSON CodecType = "json"
	// CodecMessagePack uses MessagePack encoding
	CodecMessagePack CodecType = "msgpack"
	// CodecCBOR uses CBOR encoding
	CodecCBOR CodecType = "cbor"
)

// GetJSONCodecType returns the JSON codec implementation being used.
// Can be overridden with FRAMEGATE_JSON_CODEC environment variable.
func GetJSONCodecType() string {
	if codecType := os.Getenv("FRAMEGATE_JSON_CODEC"); codecType != "" {
		return codecType
	}
	// Return the compile-time selected codec
	return (&JSONCodec{}).Name()
}

// NewCodec creates a new codec based on the type
func NewCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecJSON, "":
		return &JSONCodec{}, nil
	case CodecMessagePack:
		return &MessagePackCodec{}, nil
	case CodecCBOR:
		return newCBORCodec()
	default:
		return nil, fmt.Errorf("unknown codec type: %s", codecType)
	}
}
