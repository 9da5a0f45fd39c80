package types

import (
	"encoding/json"
	"time"
)

// TaskType discriminates the five task variants.
type TaskType string

const (
	TaskTypeSimple       TaskType = "simple"
	TaskTypeSequential   TaskType = "sequential"
	TaskTypeParallel     TaskType = "parallel"
	TaskTypeSynchronized TaskType = "synchronized"
	TaskTypeExternal     TaskType = "external"
)

// TaskStatus represents the state of a task in its state machine.
type TaskStatus string

const (
	TaskStatusCreated   TaskStatus = "created"
	TaskStatusSent      TaskStatus = "sent"
	TaskStatusSyncing   TaskStatus = "syncing"
	TaskStatusReserved  TaskStatus = "reserved"
	TaskStatusConfirmed TaskStatus = "confirmed"
	TaskStatusExecuting TaskStatus = "executing"
	TaskStatusFinished  TaskStatus = "finished"
	TaskStatusError     TaskStatus = "error"
)

// IsTerminal reports whether the status is finished or error.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusFinished || s == TaskStatusError
}

// Task is a node in a workflow tree. Leaves carry an action executed on a
// queue of a receiver node; the virtual types (sequential, parallel,
// synchronized) only structure subtasks.
type Task struct {
	ID              string          `json:"id"`
	TaskType        TaskType        `json:"task_type"`
	TaskMetadata    json.RawMessage `json:"task_metadata,omitempty"`
	Label           string          `json:"label,omitempty"`
	Action          string          `json:"action"`
	QueueName       string          `json:"queue_name"`
	Status          TaskStatus      `json:"status"`
	IsReceived      bool            `json:"is_received"`
	IsLocal         bool            `json:"is_local"`
	ParentID        string          `json:"parent_id,omitempty"`
	Order           int             `json:"order"`
	ReceiverURL     string          `json:"receiver_url"`
	SenderURL       string          `json:"sender_url"`
	SenderSSLCert   string          `json:"sender_ssl_cert,omitempty"`
	ReceiverSSLCert string          `json:"receiver_ssl_cert,omitempty"`
	CreatedDate     time.Time       `json:"created_date"`
	LastModified    time.Time       `json:"last_modified_date"`
	InputData       json.RawMessage `json:"input_data,omitempty"`
	OutputData      json.RawMessage `json:"output_data,omitempty"`
	ReservationData json.RawMessage `json:"reservation_data,omitempty"`
	PingbackDate    *time.Time      `json:"pingback_date,omitempty"`
	ExpirationDate  *time.Time      `json:"expiration_date,omitempty"`
	InfoText        string          `json:"info_text,omitempty"`
}

// IsVirtual reports whether the task is a composite with no action handler
// of its own.
func (t *Task) IsVirtual() bool {
	switch t.TaskType {
	case TaskTypeSequential, TaskTypeParallel, TaskTypeSynchronized:
		return true
	}
	return false
}

// Message is an immutable log entry of one RESTQP exchange. OutputStatus is
// the HTTP status the sender observed; rows are never mutated after the send
// attempt completes.
type Message struct {
	ID              string          `json:"id"`
	SenderURL       string          `json:"sender_url"`
	QueueName       string          `json:"queue_name"`
	IsReceived      bool            `json:"is_received"`
	ReceiverURL     string          `json:"receiver_url"`
	SenderSSLCert   string          `json:"sender_ssl_cert,omitempty"`
	ReceiverSSLCert string          `json:"receiver_ssl_cert,omitempty"`
	CreatedDate     time.Time       `json:"created_date"`
	Action          string          `json:"action"`
	InputData       json.RawMessage `json:"input_data,omitempty"`
	OutputStatus    int             `json:"output_status"`
	PingbackDate    *time.Time      `json:"pingback_date,omitempty"`
	ExpirationDate  *time.Time      `json:"expiration_date,omitempty"`
	InfoText        string          `json:"info_text,omitempty"`
	TaskID          string          `json:"task_id,omitempty"`
}
