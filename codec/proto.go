package codec

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/openkcm/distributor"
)

// Field names of the protobuf Struct messages.
const (
	fieldRequestID    = "requestId"
	fieldWorker       = "worker"
	fieldReplyTo      = "replyTo"
	fieldAssignmentID = "assignmentId"
	fieldTask         = "task"
	fieldErrorMessage = "errorMessage"
)

// ErrMissingField is returned when a decoded message lacks a required field.
var ErrMissingField = errors.New("missing field")

// Proto is a codec that encodes AssignRequest and AssignResponse as
// protobuf google.protobuf.Struct messages.
type Proto struct{}

var _ distributor.Codec = Proto{}

// EncodeAssignRequest encodes an AssignRequest into Protobuf format.
func (p Proto) EncodeAssignRequest(req distributor.AssignRequest) ([]byte, error) {
	return proto.Marshal(&structpb.Struct{Fields: map[string]*structpb.Value{
		fieldRequestID: structpb.NewStringValue(req.RequestID),
		fieldWorker:    structpb.NewStringValue(req.Worker),
		fieldReplyTo:   structpb.NewStringValue(req.ReplyTo),
	}})
}

// DecodeAssignRequest decodes Protobuf data into an AssignRequest.
func (p Proto) DecodeAssignRequest(data []byte) (distributor.AssignRequest, error) {
	fields, err := unmarshalStruct(data)
	if err != nil {
		return distributor.AssignRequest{}, err
	}
	worker, ok := stringField(fields, fieldWorker)
	if !ok {
		return distributor.AssignRequest{}, fmt.Errorf("%w: %s", ErrMissingField, fieldWorker)
	}
	requestID, _ := stringField(fields, fieldRequestID)
	replyTo, _ := stringField(fields, fieldReplyTo)
	return distributor.AssignRequest{
		RequestID: requestID,
		Worker:    worker,
		ReplyTo:   replyTo,
	}, nil
}

// EncodeAssignResponse encodes an AssignResponse into Protobuf format.
// An exhausted response carries a null task.
func (p Proto) EncodeAssignResponse(resp distributor.AssignResponse) ([]byte, error) {
	task := structpb.NewNullValue()
	if resp.Task != nil {
		task = structpb.NewStringValue(*resp.Task)
	}
	fields := map[string]*structpb.Value{
		fieldRequestID: structpb.NewStringValue(resp.RequestID),
		fieldWorker:    structpb.NewStringValue(resp.Worker),
		fieldReplyTo:   structpb.NewStringValue(resp.ReplyTo),
		fieldTask:      task,
	}
	if resp.AssignmentID != uuid.Nil {
		fields[fieldAssignmentID] = structpb.NewStringValue(resp.AssignmentID.String())
	}
	if resp.ErrorMessage != "" {
		fields[fieldErrorMessage] = structpb.NewStringValue(resp.ErrorMessage)
	}
	return proto.Marshal(&structpb.Struct{Fields: fields})
}

// DecodeAssignResponse decodes Protobuf data into an AssignResponse.
func (p Proto) DecodeAssignResponse(data []byte) (distributor.AssignResponse, error) {
	fields, err := unmarshalStruct(data)
	if err != nil {
		return distributor.AssignResponse{}, err
	}
	if _, ok := fields[fieldTask]; !ok {
		return distributor.AssignResponse{}, fmt.Errorf("%w: %s", ErrMissingField, fieldTask)
	}

	resp := distributor.AssignResponse{}
	resp.RequestID, _ = stringField(fields, fieldRequestID)
	resp.Worker, _ = stringField(fields, fieldWorker)
	resp.ReplyTo, _ = stringField(fields, fieldReplyTo)
	resp.ErrorMessage, _ = stringField(fields, fieldErrorMessage)
	if task, ok := stringField(fields, fieldTask); ok {
		resp.Task = &task
	}
	if id, ok := stringField(fields, fieldAssignmentID); ok {
		resp.AssignmentID, err = uuid.Parse(id)
		if err != nil {
			return distributor.AssignResponse{}, err
		}
	}
	return resp, nil
}

func unmarshalStruct(data []byte) (map[string]*structpb.Value, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s.GetFields(), nil
}

func stringField(fields map[string]*structpb.Value, name string) (string, bool) {
	v, ok := fields[name]
	if !ok {
		return "", false
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", false
	}
	return s.StringValue, true
}
