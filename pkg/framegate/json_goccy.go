//go:build json_goccy

package framegate

import "github.com/goccy/go-json"

const jsonEngine = "json-goccy"

var (
	jsonMarshal   = json.Marshal
	jsonUnmarshal = json.Unmarshal
)
