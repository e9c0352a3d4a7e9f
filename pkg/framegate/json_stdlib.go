//go:build !json_goccy && !json_segmentio

package framegate

import "encoding/json"

const jsonEngine = "json-stdlib"

var (
	jsonMarshal   = json.Marshal
	jsonUnmarshal = json.Unmarshal
)
