//go:build json_segmentio

package framegate

import "github.com/segmentio/encoding/json"

const jsonEngine = "json-segmentio"

var (
	jsonMarshal   = json.Marshal
	jsonUnmarshal = json.Unmarshal
)
