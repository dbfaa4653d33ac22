// Package announce publishes advisory booking events to Kafka. The
// calendar event is the record of truth; losing an announcement never
// fails a booking.
package announce

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/slotbot-dev/slotbot/libs/kafkax"
)

const eventTypeBookingCreated = "booking.created.v1"

// BookingCreated is the payload published after each non-replayed
// successful booking.
type BookingCreated struct {
	EventID     string    `json:"event_id"`
	CalendarID  string    `json:"calendar_id"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	CallerEmail string    `json:"caller_email,omitempty"`
	Bumped      bool      `json:"bumped"`
}

type Announcer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// New returns nil when no brokers are configured; a nil Announcer is
// safe to call and does nothing.
func New(brokers, topic string, logger *slog.Logger) *Announcer {
	list := kafkax.SplitBrokers(brokers)
	if len(list) == 0 || topic == "" {
		return nil
	}
	return &Announcer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(list...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
		logger: logger,
	}
}

func (a *Announcer) BookingCreated(ctx context.Context, payload BookingCreated) {
	if a == nil {
		return
	}
	value, err := json.Marshal(payload)
	if err != nil {
		a.logger.Error("encode booking announcement", "err", err)
		return
	}

	headers := kafkax.MetaHeaders(kafkax.EventMeta{
		EventID:   uuid.NewString(),
		EventType: eventTypeBookingCreated,
	})
	headers = kafkax.InjectTraceHeaders(ctx, headers)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	err = a.writer.WriteMessages(writeCtx, kafka.Message{
		Key:     []byte(payload.EventID),
		Value:   value,
		Headers: headers,
	})
	if err != nil {
		a.logger.Warn("booking announcement failed", "err", err, "event_id", payload.EventID)
	}
}

func (a *Announcer) Close() {
	if a == nil {
		return
	}
	_ = a.writer.Close()
}
