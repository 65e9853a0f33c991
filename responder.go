package distributor

import (
	"context"
	"errors"
	"sync"

	slogctx "github.com/veqryn/slog-context"
)

type (
	// Responder answers assign requests received over a message transport.
	Responder struct {
		client          ResponderClient
		assigner        Assigner
		requests        chan AssignRequest
		numberOfWorkers int
	}

	// ResponderOption is a function that modifies the config parameter of the Responder.
	ResponderOption func(*responderConfig) error
	responderConfig struct {
		bufferSize      int
		numberOfWorkers int
	}
)

var (
	ErrResponderInvalidConfig     = errors.New("invalid responder configuration")
	ErrBufferSizeNegative         = errors.New("buffer size cannot be negative")
	ErrNumberOfWorkersNotPositive = errors.New("number of workers must be greater than 0")
)

// NewResponder creates a Responder that serves requests from client with assigner.
func NewResponder(client ResponderClient, assigner Assigner, opts ...ResponderOption) (*Responder, error) {
	if client == nil || assigner == nil {
		return nil, ErrResponderInvalidConfig
	}

	c := responderConfig{
		bufferSize:      16,
		numberOfWorkers: 1,
	}
	for _, opt := range opts {
		if err := opt(&c); err != nil {
			return nil, err
		}
	}

	return &Responder{
		client:          client,
		assigner:        assigner,
		requests:        make(chan AssignRequest, c.bufferSize),
		numberOfWorkers: c.numberOfWorkers,
	}, nil
}

// WithResponderBufferSize sets the buffer size for the requests channel.
func WithResponderBufferSize(size int) ResponderOption {
	return func(c *responderConfig) error {
		if size < 0 {
			return ErrBufferSizeNegative
		}
		c.bufferSize = size
		return nil
	}
}

// WithResponderWorkers sets the number of goroutines answering requests.
// Assignments stay serialized by the Assigner.
func WithResponderWorkers(num int) ResponderOption {
	return func(c *responderConfig) error {
		if num <= 0 {
			return ErrNumberOfWorkersNotPositive
		}
		c.numberOfWorkers = num
		return nil
	}
}

// ListenAndRespond receives and answers requests until ctx is done.
// It returns once all answering goroutines have stopped. Requests still
// buffered when ctx is done are dropped without an assignment.
func (r *Responder) ListenAndRespond(ctx context.Context) {
	var wg sync.WaitGroup
	for range r.numberOfWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.respond(ctx)
		}()
	}
	r.listen(ctx)
	wg.Wait()
}

func (r *Responder) listen(ctx context.Context) {
	for {
		req, err := r.client.ReceiveAssignRequest(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slogctx.Error(ctx, "failed to receive assign request", "error", err)
			continue
		}
		select {
		case r.requests <- req:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Responder) respond(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.requests:
			if ctx.Err() != nil {
				return
			}
			logCtx := slogctx.With(ctx, "requestID", req.RequestID, "worker", req.Worker)
			slogctx.Debug(logCtx, "received assign request")

			resp := req.prepareResponse()
			a, err := r.assigner.AssignTask(logCtx, req.Worker)
			if err != nil {
				resp.ErrorMessage = err.Error()
			} else {
				resp.AssignmentID = a.ID
				resp.Task = a.Task()
			}

			if err := r.client.SendAssignResponse(logCtx, resp); err != nil {
				slogctx.Error(logCtx, "failed to send assign response", "error", err)
				continue
			}
			slogctx.Debug(logCtx, "sent assign response")
		}
	}
}
