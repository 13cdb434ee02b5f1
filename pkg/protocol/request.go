package protocol

import (
	"encoding/json"
	"fmt"
)

// EncodeRequest serializes a client request with its "type" discriminator.
// It is the inverse of Decode and is what clients write to the server.
func EncodeRequest(req Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", req.MessageType(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", req.MessageType(), err)
	}
	typ, err := json.Marshal(req.MessageType())
	if err != nil {
		return nil, err
	}
	fields["type"] = typ
	return json.Marshal(fields)
}
