package solace

import (
	"context"
	"errors"
	"sync"
	"time"

	"solace.dev/go/messaging"
	"solace.dev/go/messaging/pkg/solace"
	"solace.dev/go/messaging/pkg/solace/config"
	"solace.dev/go/messaging/pkg/solace/message"
	"solace.dev/go/messaging/pkg/solace/resource"

	"github.com/openkcm/distributor"
)

const (
	terminateTimeout  = 5 * time.Second
	publishAckTimeout = 2 * time.Second
	protocol          = "protocol"
	smf               = "smf"
	receiveBuffer     = 5
)

var (
	ErrFailedToGetPayloadBytes = errors.New("failed to get payload bytes")
	ErrPublisherNotReady       = errors.New("publisher is not ready")
	ErrReceiverChannelClosed   = errors.New("receiver channel is closed")
	ErrCodecNotProvided        = errors.New("codec not provided")
)

// QueueType represents the type of Solace queue to be used.
type QueueType uint

const (
	QueueTypeDurableNonExclusive QueueType = iota
	QueueTypeDurableExclusive
)

// Solace exchanges assign requests and responses through a Solace broker.
// Messages are published to topics and received from a durable queue.
type Solace struct {
	connInfo    ConnectionInfo
	messageChan chan message.InboundMessage
	codec       distributor.Codec
	service     solace.MessagingService
	publisher   solace.PersistentMessagePublisher
	receiver    solace.PersistentMessageReceiver
	close       sync.Once
}

// ConnectionInfo holds the connection details for the Solace messaging service.
type ConnectionInfo struct {
	Host      string     // Host is the Solace broker host address
	VPN       string     // VPN is the Solace VPN name
	Target    string     // Target is the topic messages without reply address are published to
	Source    string     // Source is the queue to receive messages from
	QueueType *QueueType // QueueType specifies the type of queue to use, if nil it defaults to QueueTypeDurableNonExclusive.
}

type ClientOption func(solace.MessagingServiceBuilder)

var (
	_ distributor.ResponderClient = &Solace{}
	_ distributor.WorkerClient    = &Solace{}
)

// WithBasicAuth configures the client to use basic authentication with the given username and password.
// The caDir parameter specifies the directory containing CA certificates for TLS validation.
func WithBasicAuth(username, password, caDir string) ClientOption {
	return func(svc solace.MessagingServiceBuilder) {
		svc.WithAuthenticationStrategy(config.BasicUserNamePasswordAuthentication(
			username, password,
		)).WithTransportSecurityStrategy(config.NewTransportSecurityStrategy().
			WithCertificateValidation(false, true, caDir, ""))
	}
}

// WithExternalMTLS configures the client to use mutual TLS authentication with the given certificate, key, and CA files.
func WithExternalMTLS(certFile, keyFile, caDir string) ClientOption {
	return func(svc solace.MessagingServiceBuilder) {
		svc.WithAuthenticationStrategy(
			config.ClientCertificateAuthentication(certFile, keyFile, ""),
		)

		tls := config.NewTransportSecurityStrategy().
			WithCertificateValidation(false, true, caDir, "")
		svc.WithTransportSecurityStrategy(tls)
	}
}

// NewClient connects to the broker, starts a publisher and receives from connInfo.Source.
func NewClient(codec distributor.Codec, connInfo ConnectionInfo, opts ...ClientOption) (*Solace, error) {
	if codec == nil {
		return nil, ErrCodecNotProvided
	}

	messagingService, err := setupMessagingService(connInfo.Host, connInfo.VPN, opts...)
	if err != nil {
		return nil, err
	}

	publisher, err := messagingService.CreatePersistentMessagePublisherBuilder().Build()
	if err != nil {
		return nil, errors.Join(err, messagingService.Disconnect())
	}

	if err := publisher.Start(); err != nil {
		return nil, errors.Join(err, messagingService.Disconnect())
	}

	sol := &Solace{
		connInfo:    connInfo,
		service:     messagingService,
		codec:       codec,
		messageChan: make(chan message.InboundMessage, receiveBuffer),
		publisher:   publisher,
	}

	queueType := QueueTypeDurableNonExclusive
	if connInfo.QueueType != nil {
		queueType = *connInfo.QueueType
	}

	if err := sol.setupReceiver(messagingService, queueType, connInfo.Source); err != nil {
		return nil, errors.Join(err, sol.Close(context.Background()))
	}

	return sol, nil
}

// Close terminates the Solace client, including the receiver, publisher, and messaging service.
func (s *Solace) Close(_ context.Context) error {
	var err error

	s.close.Do(func() {
		if s.receiver != nil {
			if err = s.receiver.Terminate(terminateTimeout); err != nil {
				return
			}
		}

		if s.publisher != nil {
			if err = s.publisher.Terminate(terminateTimeout); err != nil {
				return
			}
		}

		if s.service != nil {
			if err = s.service.Disconnect(); err != nil {
				return
			}
		}

		if s.messageChan != nil {
			close(s.messageChan)
		}
	})

	return err
}

// ReceiveAssignRequest waits for the next request on the source queue.
func (s *Solace) ReceiveAssignRequest(ctx context.Context) (distributor.AssignRequest, error) {
	payload, err := s.receive(ctx)
	if err != nil {
		return distributor.AssignRequest{}, err
	}
	return s.codec.DecodeAssignRequest(payload)
}

// SendAssignResponse publishes the response to its ReplyTo topic, or to the target topic when none is set.
func (s *Solace) SendAssignResponse(ctx context.Context, response distributor.AssignResponse) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := s.codec.EncodeAssignResponse(response)
	if err != nil {
		return err
	}
	topic := response.ReplyTo
	if topic == "" {
		topic = s.connInfo.Target
	}
	return s.publish(encoded, topic)
}

// SendAssignRequest publishes the request to the target topic. Requests
// without ReplyTo ask for the response on a topic named after the source queue.
func (s *Solace) SendAssignRequest(ctx context.Context, request distributor.AssignRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if request.ReplyTo == "" {
		request.ReplyTo = s.connInfo.Source
	}
	encoded, err := s.codec.EncodeAssignRequest(request)
	if err != nil {
		return err
	}
	return s.publish(encoded, s.connInfo.Target)
}

// ReceiveAssignResponse waits for the next response on the source queue.
func (s *Solace) ReceiveAssignResponse(ctx context.Context) (distributor.AssignResponse, error) {
	payload, err := s.receive(ctx)
	if err != nil {
		return distributor.AssignResponse{}, err
	}
	return s.codec.DecodeAssignResponse(payload)
}

func (s *Solace) receive(ctx context.Context) ([]byte, error) {
	select {
	case msg, isOpen := <-s.messageChan:
		if !isOpen {
			return nil, ErrReceiverChannelClosed
		}

		payload, ok := msg.GetPayloadAsBytes()
		if !ok {
			return nil, ErrFailedToGetPayloadBytes
		}
		return payload, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Solace) publish(payload []byte, topic string) error {
	msg, err := s.service.MessageBuilder().WithProperty(protocol, smf).BuildWithByteArrayPayload(payload)
	if err != nil {
		return err
	}

	if !s.publisher.IsReady() {
		return ErrPublisherNotReady
	}

	return s.publisher.PublishAwaitAcknowledgement(msg, resource.TopicOf(topic), publishAckTimeout, nil)
}

// setupReceiver sets up and starts a persistent message receiver for the given source (queue).
func (s *Solace) setupReceiver(messagingService solace.MessagingService, queueType QueueType, source string) error {
	queue := resource.QueueDurableNonExclusive(source)
	if queueType != QueueTypeDurableNonExclusive {
		queue = resource.QueueDurableExclusive(source)
	}

	receiver, err := messagingService.
		CreatePersistentMessageReceiverBuilder().
		WithMessageAutoAcknowledgement().
		WithMissingResourcesCreationStrategy(config.PersistentReceiverDoNotCreateMissingResources).
		Build(queue)
	if err != nil {
		return err
	}

	if err := receiver.Start(); err != nil {
		return err
	}

	s.receiver = receiver

	return receiver.ReceiveAsync(s.receiverCallback)
}

// receiverCallback is called when a message is received.
func (s *Solace) receiverCallback(message message.InboundMessage) {
	s.messageChan <- message
}

// setupMessagingService configures and connects to the Solace messaging service.
func setupMessagingService(host, vpn string, opts ...ClientOption) (solace.MessagingService, error) {
	brokerConfig := config.ServicePropertyMap{
		config.TransportLayerPropertyHost: host,
		config.ServicePropertyVPNName:     vpn,
	}

	svc := messaging.NewMessagingServiceBuilder().FromConfigurationProvider(brokerConfig)
	for _, opt := range opts {
		opt(svc)
	}

	messagingService, err := svc.Build()
	if err != nil {
		return nil, err
	}

	if err := messagingService.Connect(); err != nil {
		return nil, err
	}

	return messagingService, nil
}
