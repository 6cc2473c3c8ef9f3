// Package export forwards telemetry records to external systems.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/vitaminmoo/pmlog/internal/config"
	"github.com/vitaminmoo/pmlog/internal/protocol"
)

// Sink receives telemetry records.
type Sink interface {
	Name() string
	Publish(ctx context.Context, r protocol.Record) error
	Close() error
}

// handlerQueue is the number of records Handler buffers ahead of the sinks.
const handlerQueue = 32

type deviceKey struct{}

// WithDevice tags records published under ctx with the logger's address.
func WithDevice(ctx context.Context, address string) context.Context {
	return context.WithValue(ctx, deviceKey{}, address)
}

// DeviceFrom returns the address set by WithDevice.
func DeviceFrom(ctx context.Context) (string, bool) {
	address, ok := ctx.Value(deviceKey{}).(string)
	return address, ok && address != ""
}

// Encode is the wire form shared by the message sinks.
func Encode(r protocol.Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return data, nil
}

// Fanout publishes each record to every sink. A failing sink does not
// stop the others.
type Fanout struct {
	mu    sync.Mutex
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Add appends a sink.
func (f *Fanout) Add(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// Len returns the number of sinks.
func (f *Fanout) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sinks)
}

// Publish sends r to all sinks and joins their errors.
func (f *Fanout) Publish(ctx context.Context, r protocol.Record) error {
	f.mu.Lock()
	sinks := append([]Sink(nil), f.sinks...)
	f.mu.Unlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Publish(ctx, r); err != nil {
			log.Warn().Err(err).Str("sink", s.Name()).Msg("Telemetry export failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Handler adapts the fanout to a telemetry handler. The handler only
// queues the record; a goroutine publishes it until ctx is done. Records
// that find the queue full are dropped. Errors are logged by Publish.
func (f *Fanout) Handler(ctx context.Context) func(protocol.Record) {
	queue := make(chan protocol.Record, handlerQueue)
	go func() {
		for {
			select {
			case r := <-queue:
				_ = f.Publish(ctx, r)
			case <-ctx.Done():
				return
			}
		}
	}()
	return func(r protocol.Record) {
		select {
		case queue <- r:
		default:
			log.Warn().Time("time", r.Time).Msg("Telemetry export queue full, record dropped")
		}
	}
}

func (f *Fanout) Close() error {
	f.mu.Lock()
	sinks := f.sinks
	f.sinks = nil
	f.mu.Unlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// FromConfig connects every sink enabled in cfg. metrics may be nil.
// Sinks opened before a failure are closed again.
func FromConfig(cfg config.ExportConfig, metrics *Metrics) (*Fanout, error) {
	f := NewFanout()
	if metrics != nil {
		f.Add(metrics)
	}
	if cfg.NATS.URL != "" {
		s, err := DialNATS(cfg.NATS)
		if err != nil {
			f.Close()
			return nil, err
		}
		f.Add(s)
	}
	if cfg.MQTT.Broker != "" {
		s, err := DialMQTT(cfg.MQTT)
		if err != nil {
			f.Close()
			return nil, err
		}
		f.Add(s)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		f.Add(NewKafkaSink(cfg.Kafka))
	}
	config.Debugf("Telemetry export: %d sinks", f.Len())
	return f, nil
}
