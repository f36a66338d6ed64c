// Package nfcbus carries raw NDEF messages from tag readers to terminals over
// NATS. Each terminal listens on its own subject.
package nfcbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/teur/pos"
	"github.com/teur/pos/ndef"
)

const (
	subjectPrefix = "teur.nfc."

	// KeyHeader optionally addresses a tag to the attempt waiting under a key,
	// usually a reader transaction id.
	KeyHeader = "Teur-Key"
)

// Subject returns the subject a terminal listens on.
func Subject(terminalID string) string {
	return subjectPrefix + terminalID
}

type ack struct {
	Accepted  bool   `json:"accepted"`
	PaymentID string `json:"payment_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Subscriber decodes tags and hands the records to a deliverer. Records are
// not kept once delivered.
type Subscriber struct {
	deliverer pos.TokenDeliverer
	logger    *zap.Logger
	timeout   time.Duration
}

// NewSubscriber builds a Subscriber.
func NewSubscriber(deliverer pos.TokenDeliverer, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		deliverer: deliverer,
		logger:    logger,
		timeout:   5 * time.Second,
	}
}

// Subscribe starts listening on the terminal's subject.
func (s *Subscriber) Subscribe(nc *nats.Conn, terminalID string) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(Subject(terminalID), s.HandleMsg)
	if err != nil {
		return nil, fmt.Errorf("nfcbus: subscribe: %w", err)
	}
	s.logger.Info("Listening for NFC tags", zap.String("subject", Subject(terminalID)))
	return sub, nil
}

// HandleMsg processes one tag. Requests with a reply subject get an ack.
func (s *Subscriber) HandleMsg(msg *nats.Msg) {
	reply := s.handle(msg)
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(reply)
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("Failed to acknowledge NFC tag", zap.Error(err))
	}
}

func (s *Subscriber) handle(msg *nats.Msg) ack {
	rec, ok, err := ndef.Decode(msg.Data, s.logger)
	if err != nil {
		return ack{Error: err.Error()}
	}
	if !ok {
		return ack{Error: "no payment record found"}
	}

	key := ""
	if msg.Header != nil {
		key = msg.Header.Get(KeyHeader)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.deliverer.Deliver(ctx, key, rec); err != nil {
		s.logger.Error("Failed to deliver NFC payment record",
			zap.String("payment_id", rec.PaymentID),
			zap.Error(err),
		)
		return ack{Error: err.Error()}
	}
	s.logger.Info("NFC payment record received",
		zap.String("subject", msg.Subject),
		zap.String("payment_id", rec.PaymentID),
	)
	return ack{Accepted: true, PaymentID: rec.PaymentID}
}

// MsgPublisher is the part of *nats.Conn the Publisher needs.
type MsgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher sends tags read by a reader device to a terminal.
type Publisher struct {
	conn MsgPublisher
}

// NewPublisher wraps a NATS connection.
func NewPublisher(conn MsgPublisher) *Publisher {
	return &Publisher{conn: conn}
}

// Publish sends an NDEF message to terminalID. A non-empty key addresses it to
// a specific waiting attempt.
func (p *Publisher) Publish(terminalID, key string, msg ndef.Message) error {
	data, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("nfcbus: encode tag: %w", err)
	}
	out := nats.NewMsg(Subject(terminalID))
	out.Data = data
	if key != "" {
		out.Header.Set(KeyHeader, key)
	}
	if err := p.conn.PublishMsg(out); err != nil {
		return fmt.Errorf("nfcbus: publish: %w", err)
	}
	return nil
}
