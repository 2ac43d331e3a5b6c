package tasks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further status transition is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether the task is still expected to make progress.
func (s Status) Active() bool {
	return s == StatusProcessing || s == StatusQueued
}

// Source identifies which channel last wrote the authoritative value.
// Diagnostic only; the merge policy never consults it.
type Source string

const (
	SourcePush       Source = "push"
	SourcePoll       Source = "poll"
	SourceOptimistic Source = "optimistic"
)

type TaskState struct {
	ID       string         `json:"id"`
	Status   Status         `json:"status"`
	Progress int            `json:"progress"`
	Message  string         `json:"message,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Type     string         `json:"type,omitempty"`
	Started  time.Time      `json:"started"`
	Updated  time.Time      `json:"updated"`
	Source   Source         `json:"source,omitempty"`
}

func (t TaskState) Clone() TaskState {
	out := t
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

type EventType string

const (
	// EventAny is the reserved wildcard type; subscribers registered under it
	// receive every envelope regardless of its type.
	EventAny EventType = "*"

	EventConnected      EventType = "connected"
	EventUploadProgress EventType = "upload_progress"
	EventUploadComplete EventType = "upload_completed"
	EventUploadError    EventType = "upload_error"
	EventTaskCancelled  EventType = "task_cancelled"
)

// Envelope is the normalized shape every transport produces, independent of
// the underlying wire format. Transient: dispatched, merged, then discarded.
type Envelope struct {
	Type      EventType      `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	Status    Status         `json:"status,omitempty"`
	Progress  *int           `json:"progress,omitempty"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// wireEnvelope tolerates producers that report "percentage" instead of
// "progress". Only one of the two is expected per frame.
type wireEnvelope struct {
	Type       string         `json:"type"`
	TaskID     string         `json:"task_id"`
	Status     string         `json:"status"`
	Progress   *int           `json:"progress"`
	Percentage *int           `json:"percentage"`
	Message    string         `json:"message"`
	Error      string         `json:"error"`
	Metadata   map[string]any `json:"metadata"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ParseEnvelope decodes a raw inbound frame into the common envelope shape.
func ParseEnvelope(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if strings.TrimSpace(w.Type) == "" {
		return Envelope{}, fmt.Errorf("parse envelope: missing type")
	}
	progress := w.Progress
	if progress == nil {
		progress = w.Percentage
	}
	return Envelope{
		Type:      EventType(strings.TrimSpace(w.Type)),
		TaskID:    strings.TrimSpace(w.TaskID),
		Status:    Status(strings.TrimSpace(w.Status)),
		Progress:  progress,
		Message:   w.Message,
		Error:     w.Error,
		Metadata:  w.Metadata,
		Timestamp: w.Timestamp,
	}, nil
}

// Update is a partial patch applied to a tracked task. Nil pointer fields are
// left untouched by the merge.
type Update struct {
	Status   Status
	Progress *int
	Message  *string
	Error    *string
	Metadata map[string]any
	Source   Source
}

// Update converts an envelope into a store patch attributed to source.
func (e Envelope) Update(source Source) Update {
	u := Update{
		Status:   e.Status,
		Progress: e.Progress,
		Metadata: e.Metadata,
		Source:   source,
	}
	if e.Message != "" {
		msg := e.Message
		u.Message = &msg
	}
	if e.Error != "" {
		errMsg := e.Error
		u.Error = &errMsg
	}
	return u
}

// ClampProgress bounds a reported progress value to [0,100] regardless of
// what the producer sent.
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
