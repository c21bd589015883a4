package messages

import "encoding/json"

type QueueMessage struct {
	Type      string          `json:"type"`
	MessageID string          `json:"message_id"`
	Payload   json.RawMessage `json:"payload"`
}

// EvaluationQueueMessage asks the worker to grade one submission that is
// already on local disk. WorkDir must be exclusive to this message.
type EvaluationQueueMessage struct {
	StudentID      string `json:"student_id"`
	AssignmentID   string `json:"assignment_id"`
	SubmissionPath string `json:"submission_path"`
	WorkDir        string `json:"work_dir"`
}

type ResponseQueueMessage struct {
	Type      string          `json:"type"`
	MessageID string          `json:"message_id"`
	Ok        bool            `json:"ok"`
	Payload   json.RawMessage `json:"payload"`
}
