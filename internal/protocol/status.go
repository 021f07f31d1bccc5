package protocol

import "encoding/json"

// StatusPayload is the JSON payload carried inside a StatusUpdate frame. It
// lets the forwarder report the child's terminal state to a connected
// supervisor without racing the supervisor's own session.json writes.
type StatusPayload struct {
	Status   string `json:"status"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// MarshalStatus encodes p as the JSON payload of a StatusUpdate frame.
func MarshalStatus(p StatusPayload) ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalStatus decodes a StatusUpdate frame's payload.
func UnmarshalStatus(payload []byte) (StatusPayload, error) {
	var p StatusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return StatusPayload{}, err
	}
	return p, nil
}
