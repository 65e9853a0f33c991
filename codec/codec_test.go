package codec_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/openkcm/distributor"
)

var task = "alpha"

var expAssignRequest = distributor.AssignRequest{
	RequestID: "request-1",
	Worker:    "worker-1",
	ReplyTo:   "replies-worker-1",
}

var expAssignResponse = distributor.AssignResponse{
	RequestID:    "request-1",
	ReplyTo:      "replies-worker-1",
	AssignmentID: uuid.New(),
	Worker:       "worker-1",
	Task:         &task,
}

var expExhaustedResponse = distributor.AssignResponse{
	RequestID:    "request-2",
	AssignmentID: uuid.New(),
	Worker:       "worker-1",
	Task:         nil,
}

var expFailedResponse = distributor.AssignResponse{
	RequestID:    "request-3",
	Worker:       "worker-1",
	ErrorMessage: "storage failure",
}

func assertAssignResponse(t *testing.T, exp, act distributor.AssignResponse) {
	t.Helper()
	assert.Equal(t, exp.RequestID, act.RequestID)
	assert.Equal(t, exp.ReplyTo, act.ReplyTo)
	assert.Equal(t, exp.AssignmentID, act.AssignmentID)
	assert.Equal(t, exp.Worker, act.Worker)
	assert.Equal(t, exp.ErrorMessage, act.ErrorMessage)
	if exp.Task == nil {
		assert.Nil(t, act.Task)
		return
	}
	if assert.NotNil(t, act.Task) {
		assert.Equal(t, *exp.Task, *act.Task)
	}
}
