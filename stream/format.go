package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/BaSui01/tokenflow/types"
)

// Encode renders one SSE record for the event:
//
//	event: <type>\n
//	data: <json payload>\n
//	\n
//
// Batching happens above this layer: buffered fragments are individually
// encoded before being queued, and a flush writes their concatenation.
func Encode(evt types.StreamEvent) []byte {
	payload, err := json.Marshal(evt.Data)
	if err != nil {
		// A malformed payload must not kill the stream; degrade to the
		// stringified value, which always marshals.
		payload, _ = json.Marshal(fmt.Sprintf("%v", evt.Data))
	}

	var buf bytes.Buffer
	buf.Grow(len(evt.Type) + len(payload) + 16)
	buf.WriteString("event: ")
	buf.WriteString(string(evt.Type))
	buf.WriteString("\ndata: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	return buf.Bytes()
}
