package distributor

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Assignment is the outcome of one AssignTask call.
type Assignment struct {
	ID         uuid.UUID // ID identifies the assignment in logs and responses.
	Worker     string    // Worker is the worker credited with the assignment.
	Line       string    // Line is the dispensed task line, empty when EndOfTasks is set.
	EndOfTasks bool      // EndOfTasks reports that no task was left.
	Offset     int64     // Offset is the persisted cursor after the assignment.
	AssignedAt time.Time
}

// Task returns the line, or nil when the tasks are exhausted.
func (a Assignment) Task() *string {
	if a.EndOfTasks {
		return nil
	}
	line := a.Line
	return &line
}

// AssignRequest is a request for one task sent by a worker over a message transport.
type AssignRequest struct {
	RequestID string `json:"requestId"` // RequestID correlates the response with the request.
	Worker    string `json:"worker"`
	ReplyTo   string `json:"replyTo,omitempty"` // ReplyTo is the transport address expecting the response.
}

// AssignResponse answers an AssignRequest.
type AssignResponse struct {
	RequestID    string    `json:"requestId"`
	ReplyTo      string    `json:"replyTo,omitempty"`
	AssignmentID uuid.UUID `json:"assignmentId"`
	Worker       string    `json:"worker"`
	Task         *string   `json:"task"` // Task is nil when the tasks are exhausted or on error.
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// Assigner hands out tasks to workers.
type Assigner interface {
	AssignTask(ctx context.Context, worker string) (Assignment, error)
}

// ResponderClient defines the methods for receiving assign requests and sending assign responses.
type ResponderClient interface {
	ReceiveAssignRequest(ctx context.Context) (AssignRequest, error)
	SendAssignResponse(ctx context.Context, response AssignResponse) error
}

// WorkerClient defines the methods used by a worker to request tasks over a message transport.
type WorkerClient interface {
	SendAssignRequest(ctx context.Context, request AssignRequest) error
	ReceiveAssignResponse(ctx context.Context) (AssignResponse, error)
}

// Codec defines the methods for encoding and decoding assign requests and responses.
type Codec interface {
	EncodeAssignRequest(request AssignRequest) ([]byte, error)
	DecodeAssignRequest(bytes []byte) (AssignRequest, error)
	EncodeAssignResponse(response AssignResponse) ([]byte, error)
	DecodeAssignResponse(bytes []byte) (AssignResponse, error)
}

func (r AssignRequest) prepareResponse() AssignResponse {
	return AssignResponse{
		RequestID: r.RequestID,
		ReplyTo:   r.ReplyTo,
		Worker:    r.Worker,
	}
}
