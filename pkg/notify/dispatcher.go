package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DispatcherConfig tunes the async fan-out.
type DispatcherConfig struct {
	BufferSize  int
	SendTimeout time.Duration
	// OnDrop is called for every message discarded by Publish.
	OnDrop func(Message)
}

// DefaultDispatcherConfig returns the defaults used by the server.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{BufferSize: 256, SendTimeout: 10 * time.Second}
}

// Filter decides whether a sink receives a message.
type Filter func(msg Message) bool

// KindFilter accepts only the listed kinds.
func KindFilter(kinds ...Kind) Filter {
	set := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return func(msg Message) bool { return set[msg.Kind] }
}

type sinkEntry struct {
	sink   Sink
	filter Filter
}

// Dispatcher is an asynchronous Notifier fanning out to sinks.
type Dispatcher struct {
	config DispatcherConfig
	logger zerolog.Logger
	buffer chan Message

	mu    sync.RWMutex
	sinks []sinkEntry

	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// NewDispatcher starts a dispatcher with no sinks.
func NewDispatcher(cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultDispatcherConfig().BufferSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultDispatcherConfig().SendTimeout
	}
	d := &Dispatcher{
		config: cfg,
		logger: logger.With().Str("component", "notify").Logger(),
		buffer: make(chan Message, cfg.BufferSize),
		closed: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.process()
	return d
}

// AddSink registers a sink. A nil filter accepts everything.
func (d *Dispatcher) AddSink(sink Sink, filter Filter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, sinkEntry{sink: sink, filter: filter})
}

// Publish enqueues msg. It never reports sink failures; a full buffer drops
// the message with a warning.
func (d *Dispatcher) Publish(_ context.Context, msg Message) error {
	msg = prepare(msg)
	select {
	case <-d.closed:
		d.logger.Warn().Str("subject", msg.Subject).Msg("Dispatcher closed, notification dropped")
		d.dropped(msg)
		return nil
	default:
	}

	select {
	case d.buffer <- msg:
	default:
		d.logger.Warn().Str("subject", msg.Subject).Msg("Notification buffer full, message dropped")
		d.dropped(msg)
	}
	return nil
}

func (d *Dispatcher) dropped(msg Message) {
	if d.config.OnDrop != nil {
		d.config.OnDrop(msg)
	}
}

func (d *Dispatcher) process() {
	defer d.wg.Done()
	for {
		select {
		case msg := <-d.buffer:
			d.deliver(msg)
		case <-d.closed:
			// Drain what was accepted before Close.
			for {
				select {
				case msg := <-d.buffer:
					d.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(msg Message) {
	d.mu.RLock()
	sinks := append([]sinkEntry(nil), d.sinks...)
	d.mu.RUnlock()

	for _, entry := range sinks {
		if entry.filter != nil && !entry.filter(msg) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), d.config.SendTimeout)
		err := entry.sink.Publish(ctx, msg)
		cancel()
		if err != nil {
			d.logger.Error().
				Err(err).
				Str("sink", entry.sink.Name()).
				Str("message_id", msg.ID).
				Str("subject", msg.Subject).
				Msg("Notification delivery failed")
		}
	}
}

// Close drains the buffer, then closes every sink.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.once.Do(func() { close(d.closed) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("notification dispatcher shutdown timeout")
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	var errs []error
	for _, entry := range d.sinks {
		if err := entry.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}
