package astclient

import "encoding/json"

// jsonCodec lets the client talk to the polyglot AST worker fleet
// without generated message types; requests and responses are plain
// structs marshalled as JSON frames.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return "json" }
