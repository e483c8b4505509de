package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
)

// Client owns the Service Bus connection shared by senders and subscribers.
type Client struct {
	inner *azservicebus.Client
}

// NewClient connects to the namespace with the ambient Azure credential.
func NewClient(namespace string) (*Client, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating azure credential: %w", err)
	}
	inner, err := azservicebus.NewClient(namespace, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating service bus client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Close tears down the underlying AMQP connection.
func (c *Client) Close(ctx context.Context) error {
	return c.inner.Close(ctx)
}

// NewSubscriber returns a session subscriber for topic/subscription.
func (c *Client) NewSubscriber(topic, subscription string) *SessionSubscriber {
	return &SessionSubscriber{client: c.inner, topic: topic, subscription: subscription}
}

// NewSender returns a sender for the topic.
func (c *Client) NewSender(topic string) (Sender, error) {
	s, err := c.inner.NewSender(topic, nil)
	if err != nil {
		return nil, fmt.Errorf("creating sender for %s: %w", topic, err)
	}
	return &topicSender{inner: s}, nil
}

// SessionSubscriber accepts session receivers from one subscription.
type SessionSubscriber struct {
	client       *azservicebus.Client
	topic        string
	subscription string
}

// NextSession accepts the next session that has pending messages. The broker
// holds the accept open server-side; when it times out with no session we
// map that to ErrNoSessions so the caller's loop stays quiet.
func (s *SessionSubscriber) NextSession(ctx context.Context) (SessionReceiver, error) {
	r, err := s.client.AcceptNextSessionForSubscription(ctx, s.topic, s.subscription, nil)
	if err != nil {
		var sbErr *azservicebus.Error
		if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeTimeout {
			return nil, ErrNoSessions
		}
		return nil, fmt.Errorf("accepting session on %s/%s: %w", s.topic, s.subscription, err)
	}
	return &sessionReceiver{inner: r}, nil
}

func (s *SessionSubscriber) Close(ctx context.Context) error {
	return nil
}

type sessionReceiver struct {
	inner *azservicebus.SessionReceiver
}

func (r *sessionReceiver) SessionID() string {
	return r.inner.SessionID()
}

func (r *sessionReceiver) Receive(ctx context.Context) (*Message, error) {
	msgs, err := r.inner.ReceiveMessages(ctx, 1, nil)
	if err != nil {
		return nil, fmt.Errorf("receiving from session %s: %w", r.inner.SessionID(), err)
	}
	if len(msgs) == 0 {
		return nil, ErrNoSessions
	}
	m := msgs[0]
	out := &Message{
		Body:          m.Body,
		MessageID:     m.MessageID,
		DeliveryCount: m.DeliveryCount,
		receipt:       m,
	}
	if m.SessionID != nil {
		out.SessionID = *m.SessionID
	}
	return out, nil
}

func (r *sessionReceiver) Complete(ctx context.Context, msg *Message) error {
	raw, ok := msg.receipt.(*azservicebus.ReceivedMessage)
	if !ok {
		return fmt.Errorf("message %s has no settlement receipt", msg.MessageID)
	}
	return r.inner.CompleteMessage(ctx, raw, nil)
}

func (r *sessionReceiver) Abandon(ctx context.Context, msg *Message) error {
	raw, ok := msg.receipt.(*azservicebus.ReceivedMessage)
	if !ok {
		return fmt.Errorf("message %s has no settlement receipt", msg.MessageID)
	}
	return r.inner.AbandonMessage(ctx, raw, nil)
}

func (r *sessionReceiver) Close(ctx context.Context) error {
	return r.inner.Close(ctx)
}

type topicSender struct {
	inner *azservicebus.Sender
}

func (s *topicSender) Send(ctx context.Context, msg *Message) error {
	out := &azservicebus.Message{Body: msg.Body}
	if msg.SessionID != "" {
		out.SessionID = &msg.SessionID
	}
	if msg.MessageID != "" {
		out.MessageID = &msg.MessageID
	}
	if err := s.inner.SendMessage(ctx, out, nil); err != nil {
		return fmt.Errorf("sending message %s: %w", msg.MessageID, err)
	}
	return nil
}

func (s *topicSender) Close(ctx context.Context) error {
	return s.inner.Close(ctx)
}
