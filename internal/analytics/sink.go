// internal/analytics/sink.go
package analytics

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/streadway/amqp"

	"tenant-gateway/internal/model"
	"tenant-gateway/internal/storage"
)

// Sink drains the analytics queue into the request_events table. Malformed or
// uninsertable events are rejected to the DLQ rather than requeued.
type Sink struct {
	storage     *storage.Storage
	channel     *amqp.Channel
	stopChan    chan struct{}
	doneChan    chan struct{}
	consumerTag string
}

// StartSink opens a channel on conn and begins consuming analytics events.
func StartSink(conn *amqp.Connection, st *storage.Storage) (*Sink, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("analytics sink: failed to open channel: %w", err)
	}

	const consumerTag = "analytics-sink"
	msgs, err := ch.Consume(
		QueueName,
		consumerTag,
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("analytics sink: failed to start consuming: %w", err)
	}

	s := &Sink{
		storage:     st,
		channel:     ch,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
		consumerTag: consumerTag,
	}
	go s.consumeLoop(msgs)

	log.Printf("[Analytics] Sink started")
	return s, nil
}

func (s *Sink) consumeLoop(msgs <-chan amqp.Delivery) {
	defer close(s.doneChan)

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				log.Printf("[Analytics] Delivery channel closed")
				return
			}
			if err := s.handle(msg.Body); err != nil {
				log.Printf("[Analytics] Failed to process event: %v", err)
				_ = msg.Reject(false) // send to DLQ
				continue
			}
			_ = msg.Ack(false)

		case <-s.stopChan:
			_ = s.channel.Cancel(s.consumerTag, false)
			return
		}
	}
}

func (s *Sink) handle(body []byte) error {
	var e model.RequestEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return fmt.Errorf("failed to parse event: %w", err)
	}
	return s.storage.InsertRequestEvent(&e)
}

// Stop signals the sink to stop and waits for cleanup.
func (s *Sink) Stop() {
	close(s.stopChan)
	<-s.doneChan
	_ = s.channel.Close()
	log.Printf("[Analytics] Sink stopped")
}
