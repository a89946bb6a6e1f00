/*
Package backrpc implements the gRPC client side of the pusher-to-back
protocol: two bidirectional streams (joinRoom, watchSpace) and three unary
admin calls, all carrying tagged envelope frames through a JSON codec.
*/
package backrpc

import (
	"fmt"

	"github.com/goccy/go-json"
	"google.golang.org/grpc/encoding"
)

// Name is the content subtype the pusher negotiates with the back.
const Name = "json"

func init() {
	encoding.RegisterCodec(codec{})
}

// codec encodes RPC frames as JSON instead of protobuf.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cannot decode rpc frame: %w", err)
	}
	return nil
}

func (codec) Name() string {
	return Name
}
