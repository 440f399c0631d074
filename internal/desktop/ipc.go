package desktop

import (
	"encoding/json"
	"errors"
	"fmt"
)

var errEmptyEvent = errors.New("ipc event carried no payload")

// eventPayload normalizes the first argument of an ipc event into raw
// envelope JSON. The frontend may emit either a JSON string or an object.
func eventPayload(data []interface{}) ([]byte, error) {
	if len(data) == 0 || data[0] == nil {
		return nil, errEmptyEvent
	}
	switch v := data[0].(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode ipc payload: %w", err)
		}
		return raw, nil
	}
}
