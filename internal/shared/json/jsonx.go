// Package jsonx pins the module's JSON codec in one place. Progress-event
// frames and capability payloads are encoded on every request, so the goccy
// drop-in stands in for encoding/json throughout.
package jsonx

import "github.com/goccy/go-json"

var (
	Marshal       = json.Marshal
	MarshalIndent = json.MarshalIndent
	Unmarshal     = json.Unmarshal
	NewDecoder    = json.NewDecoder
	NewEncoder    = json.NewEncoder
)

type (
	RawMessage = json.RawMessage
	Number     = json.Number
)
