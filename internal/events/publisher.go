// Package events forwards awarded purchases and unmatched events to Kafka for
// downstream consumers (reporting, CRM sync).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/punchamoorthee/tillbridge/internal/domain"
)

const (
	TypePurchaseAwarded = "purchase.awarded"
	TypeUnmatched       = "event.unmatched"
)

// Event is the JSON value of every message on the topic.
type Event struct {
	ID         string          `json:"event_id"`
	Type       string          `json:"type"`
	TillID     string          `json:"till_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// PurchaseAwarded is the data of a purchase.awarded event.
type PurchaseAwarded struct {
	PurchaseID uuid.UUID    `json:"purchase_id"`
	Barcode    string       `json:"barcode"`
	CustomerID *uuid.UUID   `json:"customer_id,omitempty"`
	ReceiptID  string       `json:"receipt_id,omitempty"`
	Amount     domain.Cents `json:"amount"`
	Points     int64        `json:"points_awarded"`
	ScannedAt  time.Time    `json:"scanned_at"`
	PrintedAt  time.Time    `json:"receipt_observed_at"`
	MatchedAt  time.Time    `json:"matched_at"`
}

// Unmatched is the data of an event.unmatched event.
type Unmatched struct {
	Kind       string        `json:"kind"`
	Barcode    string        `json:"barcode,omitempty"`
	ReceiptID  string        `json:"receipt_id,omitempty"`
	Amount     *domain.Cents `json:"amount,omitempty"`
	ObservedAt time.Time     `json:"observed_at"`
	ExpiredAt  time.Time     `json:"expired_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by barcode, so one customer's events
// stay ordered on a partition.
type KafkaPublisher struct {
	writer messageWriter
	tillID string
	log    *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic, tillID string, log *zap.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	log = log.Named("events")
	log.Info("kafka publisher initialized", zap.String("topic", topic), zap.Strings("brokers", brokers))
	return &KafkaPublisher{writer: w, tillID: tillID, log: log}
}

func (p *KafkaPublisher) PublishPurchase(ctx context.Context, ap domain.AwardedPurchase, c *domain.Customer) error {
	data := PurchaseAwarded{
		PurchaseID: ap.ID,
		Barcode:    ap.Scan.Barcode,
		ReceiptID:  ap.Receipt.ReceiptID,
		Amount:     ap.Receipt.Amount,
		Points:     ap.Points,
		ScannedAt:  ap.Scan.ObservedAt,
		PrintedAt:  ap.Receipt.ObservedAt,
		MatchedAt:  ap.MatchedAt,
	}
	if c != nil {
		id := c.ID
		data.CustomerID = &id
	}
	return p.publish(ctx, TypePurchaseAwarded, ap.Scan.Barcode, ap.MatchedAt, data)
}

func (p *KafkaPublisher) PublishUnmatched(ctx context.Context, u domain.Unmatched) error {
	data := Unmatched{Kind: string(u.Kind), ExpiredAt: u.ExpiredAt}
	var key string
	switch u.Kind {
	case domain.UnmatchedScan:
		data.Barcode = u.Scan.Barcode
		data.ObservedAt = u.Scan.ObservedAt
		key = u.Scan.Barcode
	case domain.UnmatchedReceipt:
		amount := u.Receipt.Amount
		data.Amount = &amount
		data.ReceiptID = u.Receipt.ReceiptID
		data.ObservedAt = u.Receipt.ObservedAt
		key = u.Receipt.ReceiptID
	}
	return p.publish(ctx, TypeUnmatched, key, u.ExpiredAt, data)
}

func (p *KafkaPublisher) publish(ctx context.Context, typ, key string, at time.Time, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	evt := Event{
		ID:         uuid.NewString(),
		Type:       typ,
		TillID:     p.tillID,
		OccurredAt: at,
		Data:       raw,
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(typ)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Warn("publish failed", zap.String("type", typ), zap.String("key", key), zap.Error(err))
		return fmt.Errorf("publish %s: %w", typ, err)
	}
	p.log.Debug("event published", zap.String("type", typ), zap.String("event_id", evt.ID))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop drops every event. It is used when no brokers are configured.
type Nop struct{}

func (Nop) PublishPurchase(context.Context, domain.AwardedPurchase, *domain.Customer) error {
	return nil
}

func (Nop) PublishUnmatched(context.Context, domain.Unmatched) error { return nil }

func (Nop) Close() error { return nil }
