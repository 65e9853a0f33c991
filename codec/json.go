package codec

import (
	"encoding/json"

	"github.com/openkcm/distributor"
)

// JSON is a codec that encodes and decodes AssignRequest and AssignResponse in JSON format.
type JSON struct{}

var _ distributor.Codec = JSON{}

// EncodeAssignRequest encodes an AssignRequest into JSON format.
func (j JSON) EncodeAssignRequest(req distributor.AssignRequest) ([]byte, error) {
	return json.Marshal(req)
}

// EncodeAssignResponse encodes an AssignResponse into JSON format.
// An exhausted response carries "task": null.
func (j JSON) EncodeAssignResponse(resp distributor.AssignResponse) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeAssignRequest decodes JSON data into an AssignRequest.
func (j JSON) DecodeAssignRequest(data []byte) (distributor.AssignRequest, error) {
	var req distributor.AssignRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return distributor.AssignRequest{}, err
	}
	return req, nil
}

// DecodeAssignResponse decodes JSON data into an AssignResponse.
func (j JSON) DecodeAssignResponse(data []byte) (distributor.AssignResponse, error) {
	var resp distributor.AssignResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return distributor.AssignResponse{}, err
	}
	return resp, nil
}
