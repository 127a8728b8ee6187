package tasks

import "encoding/json"

// Encode serializes a Task with stable key ordering. encoding/json already
// emits struct fields in declaration order, which is all "stable ordering"
// requires for a fixed schema; the unique-ID hash (pkg/keys) needs its own
// sorted-map encoding because args/kwargs are caller-supplied, but the Task
// envelope itself is not.
func Encode(t *Task) ([]byte, error) {
	return json.Marshal(t)
}

// Decode parses a serialized task record.
func Decode(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// EncodeExecution serializes a failure execution record.
func EncodeExecution(e *Execution) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeExecution parses a serialized execution record.
func DecodeExecution(data []byte) (*Execution, error) {
	var e Execution
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
