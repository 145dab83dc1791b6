// Package events publishes store change events to Kafka for external
// consumers (audit trails, cache invalidation). Purely observational:
// replication itself rides on BGP.
package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"

	"github.com/routekv/kvsd/internal/metrics"
)

// Event is the published record shape. Keys are user-facing UTF-8
// names, so they travel as strings.
type Event struct {
	Action     string  `json:"action"` // "changed" or "removed"
	Key        string  `json:"key"`
	Value      []byte  `json:"value,omitempty"` // base64 per encoding/json
	Version    uint16  `json:"version"`
	OldVersion *uint16 `json:"old_version,omitempty"`
	Instance   string  `json:"instance"`
	Time       string  `json:"time"`
}

type Publisher struct {
	client   *kgo.Client
	topic    string
	instance string
	logger   *zap.Logger
}

func NewPublisher(brokers []string, topic, clientID, instance string, tlsCfg *tls.Config, saslMech sasl.Mechanism, logger *zap.Logger) (*Publisher, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerLinger(50 * time.Millisecond),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	return &Publisher{
		client:   client,
		topic:    topic,
		instance: instance,
		logger:   logger,
	}, nil
}

// Changed implements store.Listener. Runs under the store's write lock;
// kgo.Produce is asynchronous so nothing blocks here.
func (p *Publisher) Changed(key, value []byte, version uint16, oldVersion *uint16) {
	var ov *uint16
	if oldVersion != nil {
		v := *oldVersion
		ov = &v
	}
	p.publish(Event{
		Action:     "changed",
		Key:        string(key),
		Value:      append([]byte(nil), value...),
		Version:    version,
		OldVersion: ov,
	})
}

// Removed implements store.Listener.
func (p *Publisher) Removed(key []byte, lastVersion uint16) {
	p.publish(Event{
		Action:  "removed",
		Key:     string(key),
		Version: lastVersion,
	})
}

func (p *Publisher) publish(ev Event) {
	ev.Instance = p.instance
	ev.Time = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(ev)
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("marshal_error").Inc()
		return
	}

	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.Key),
		Value: payload,
	}
	p.client.Produce(context.Background(), rec, func(_ *kgo.Record, err error) {
		if err != nil {
			metrics.EventsPublishedTotal.WithLabelValues("error").Inc()
			p.logger.Warn("event publish failed",
				zap.String("key", ev.Key),
				zap.Error(err),
			)
			return
		}
		metrics.EventsPublishedTotal.WithLabelValues("ok").Inc()
	})
}

// Close flushes and releases the client.
func (p *Publisher) Close() {
	p.client.Close()
}
