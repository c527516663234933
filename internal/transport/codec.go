package transport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// Commands travel as JSON over gRPC, which keeps the wire types plain Go
// structs without a protoc step.
type jsonCodec struct{}

var codec = jsonCodec{}

func init() {
	encoding.RegisterCodec(codec)
}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "json"
}
