package amqp

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/Azure/go-amqp"

	"github.com/openkcm/distributor"
)

var (
	// ErrApplyOption indicates that applying a ClientOption failed.
	ErrApplyOption = errors.New("amqp: failed to apply client option")
	// ErrCodecNotProvided indicates that NewClient was called without a codec.
	ErrCodecNotProvided = errors.New("amqp: codec not provided")
)

// AMQP is a client exchanging assign requests and responses over AMQP 1.0.
// The distributor side uses it as a distributor.ResponderClient, workers use
// it as a distributor.WorkerClient.
type AMQP struct {
	codec    distributor.Codec
	connInfo ConnectionInfo
	conn     *amqp.Conn
	session  *amqp.Session
	sender   *amqp.Sender
	receiver *amqp.Receiver

	mu           sync.Mutex
	replySenders map[string]*amqp.Sender
}

// ConnectionInfo holds the connection details for the AMQP client.
// Messages are sent to Target and received from Source.
type ConnectionInfo struct {
	URL    string
	Target string
	Source string
}

// ClientOption configures how the AMQP connection is established.
type ClientOption func(*amqp.ConnOptions) error

var (
	_ distributor.ResponderClient = &AMQP{}
	_ distributor.WorkerClient    = &AMQP{}
)

// WithBasicAuth tells the client to use SASL PLAIN with user/password.
func WithBasicAuth(username, password string) ClientOption {
	return func(o *amqp.ConnOptions) error {
		o.SASLType = amqp.SASLTypePlain(username, password)
		return nil
	}
}

// WithNoAuth tells the client to use SASL ANONYMOUS.
func WithNoAuth() ClientOption {
	return func(o *amqp.ConnOptions) error {
		o.SASLType = amqp.SASLTypeAnonymous()
		return nil
	}
}

// WithProperties sets custom connection properties.
func WithProperties(props map[string]any) ClientOption {
	return func(o *amqp.ConnOptions) error {
		if o.Properties == nil {
			o.Properties = map[string]any{}
		}
		maps.Copy(o.Properties, props)
		return nil
	}
}

// NewClient dials the broker and opens a sender on connInfo.Target and a
// receiver on connInfo.Source.
func NewClient(ctx context.Context, codec distributor.Codec, connInfo ConnectionInfo, opts ...ClientOption) (*AMQP, error) {
	if codec == nil {
		return nil, ErrCodecNotProvided
	}

	connOpts := &amqp.ConnOptions{
		SASLType:   amqp.SASLTypeAnonymous(),
		Properties: map[string]any{},
	}
	for _, opt := range opts {
		if err := opt(connOpts); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrApplyOption, err)
		}
	}

	conn, err := amqp.Dial(ctx, connInfo.URL, connOpts)
	if err != nil {
		return nil, err
	}

	session, err := conn.NewSession(ctx, nil)
	if err != nil {
		return nil, errors.Join(err, conn.Close())
	}

	sender, err := session.NewSender(ctx, connInfo.Target, &amqp.SenderOptions{
		TargetDurability: amqp.DurabilityUnsettledState,
	})
	if err != nil {
		return nil, errors.Join(err, conn.Close())
	}

	receiver, err := session.NewReceiver(ctx, connInfo.Source, &amqp.ReceiverOptions{
		SourceDurability: amqp.DurabilityUnsettledState,
	})
	if err != nil {
		return nil, errors.Join(err, conn.Close())
	}

	return &AMQP{
		codec:        codec,
		connInfo:     connInfo,
		conn:         conn,
		session:      session,
		sender:       sender,
		receiver:     receiver,
		replySenders: map[string]*amqp.Sender{},
	}, nil
}

// SendAssignRequest sends an encoded AssignRequest. Requests without a
// ReplyTo address ask for the response on the client's source.
func (a *AMQP) SendAssignRequest(ctx context.Context, req distributor.AssignRequest) error {
	if req.ReplyTo == "" {
		req.ReplyTo = a.connInfo.Source
	}
	b, err := a.codec.EncodeAssignRequest(req)
	if err != nil {
		return err
	}
	return a.sender.Send(ctx, amqp.NewMessage(b), nil)
}

// ReceiveAssignRequest receives, decodes and acknowledges an AssignRequest.
// Undecodable messages are rejected.
func (a *AMQP) ReceiveAssignRequest(ctx context.Context) (distributor.AssignRequest, error) {
	msg, err := a.receiver.Receive(ctx, nil)
	if err != nil {
		return distributor.AssignRequest{}, err
	}

	req, err := a.codec.DecodeAssignRequest(msg.GetData())
	if err != nil {
		return distributor.AssignRequest{}, errors.Join(err, a.receiver.RejectMessage(ctx, msg, nil))
	}

	if err := a.receiver.AcceptMessage(ctx, msg); err != nil {
		return distributor.AssignRequest{}, err
	}
	return req, nil
}

// SendAssignResponse sends an encoded AssignResponse to its ReplyTo address,
// or to the client's target when none is set.
func (a *AMQP) SendAssignResponse(ctx context.Context, resp distributor.AssignResponse) error {
	b, err := a.codec.EncodeAssignResponse(resp)
	if err != nil {
		return err
	}
	sender, err := a.senderFor(ctx, resp.ReplyTo)
	if err != nil {
		return err
	}
	return sender.Send(ctx, amqp.NewMessage(b), nil)
}

// ReceiveAssignResponse receives, decodes and acknowledges an AssignResponse.
func (a *AMQP) ReceiveAssignResponse(ctx context.Context) (distributor.AssignResponse, error) {
	msg, err := a.receiver.Receive(ctx, nil)
	if err != nil {
		return distributor.AssignResponse{}, err
	}

	resp, err := a.codec.DecodeAssignResponse(msg.GetData())
	if err != nil {
		return distributor.AssignResponse{}, errors.Join(err, a.receiver.RejectMessage(ctx, msg, nil))
	}

	if err := a.receiver.AcceptMessage(ctx, msg); err != nil {
		return distributor.AssignResponse{}, err
	}
	return resp, nil
}

// Close closes all links and the connection.
func (a *AMQP) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	for addr, s := range a.replySenders {
		errs = append(errs, s.Close(ctx))
		delete(a.replySenders, addr)
	}
	errs = append(errs, a.receiver.Close(ctx), a.sender.Close(ctx), a.conn.Close())
	return errors.Join(errs...)
}

func (a *AMQP) senderFor(ctx context.Context, addr string) (*amqp.Sender, error) {
	if addr == "" || addr == a.connInfo.Target {
		return a.sender, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.replySenders[addr]; ok {
		return s, nil
	}
	s, err := a.session.NewSender(ctx, addr, &amqp.SenderOptions{
		TargetDurability: amqp.DurabilityUnsettledState,
	})
	if err != nil {
		return nil, fmt.Errorf("amqp: opening reply sender to %q: %w", addr, err)
	}
	a.replySenders[addr] = s
	return s, nil
}
