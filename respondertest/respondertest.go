package respondertest

import (
	"context"

	"github.com/openkcm/distributor"
)

type (
	// Responder is an in-memory distributor.ResponderClient.
	// Tests feed requests with NewRequest and read answers with NewResponse.
	Responder struct {
		input  chan distributor.AssignRequest
		output chan distributor.AssignResponse
	}

	// Option is a function that modifies the config parameter of the Responder.
	Option func(*config)
	config struct {
		inputBufferSize  int
		outputBufferSize int
	}
)

var _ distributor.ResponderClient = &Responder{}

// NewResponder creates a new Responder instance.
func NewResponder(opts ...Option) *Responder {
	c := config{
		inputBufferSize:  10,
		outputBufferSize: 10,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return &Responder{
		input:  make(chan distributor.AssignRequest, c.inputBufferSize),
		output: make(chan distributor.AssignResponse, c.outputBufferSize),
	}
}

// WithInputBufferSize sets the input buffer size for the Responder.
func WithInputBufferSize(size int) Option {
	return func(c *config) {
		c.inputBufferSize = size
	}
}

// WithOutputBufferSize sets the output buffer size for the Responder.
func WithOutputBufferSize(size int) Option {
	return func(c *config) {
		c.outputBufferSize = size
	}
}

// NewRequest queues a request for ReceiveAssignRequest.
func (r *Responder) NewRequest(req distributor.AssignRequest) {
	r.input <- req
}

// NewResponse blocks until a response was sent.
func (r *Responder) NewResponse() distributor.AssignResponse {
	return <-r.output
}

// ReceiveAssignRequest receives a request from the input channel.
func (r *Responder) ReceiveAssignRequest(ctx context.Context) (distributor.AssignRequest, error) {
	select {
	case <-ctx.Done():
		return distributor.AssignRequest{}, ctx.Err()
	case req := <-r.input:
		return req, nil
	}
}

// SendAssignResponse sends a response to the output channel.
func (r *Responder) SendAssignResponse(ctx context.Context, resp distributor.AssignResponse) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r.output <- resp:
		return nil
	}
}
