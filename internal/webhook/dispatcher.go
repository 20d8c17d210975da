package webhook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentworkforce/gitmirror/internal/consumer"
	"github.com/agentworkforce/gitmirror/internal/mirror"
)

// Dispatcher decodes stream messages and hands them to the registered
// handler. The handler is looked up before decoding so payloads of event
// types nobody handles are never parsed.
type Dispatcher struct {
	registry *Registry
	decoders map[string]Decoder
	logger   *slog.Logger
}

func NewDispatcher(registry *Registry, logger *slog.Logger, decoders ...Decoder) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	byProvider := make(map[string]Decoder, len(decoders))
	for _, decoder := range decoders {
		byProvider[normalizeToken(decoder.Provider())] = decoder
	}
	return &Dispatcher{registry: registry, decoders: byProvider, logger: logger}
}

// NewDefaultDispatcher wires the GitHub and GitLab decoders and the full
// route list of handlers.
func NewDefaultDispatcher(handlers *Handlers, logger *slog.Logger) (*Dispatcher, error) {
	registry, err := NewRegistry(handlers.Routes()...)
	if err != nil {
		return nil, err
	}
	github, err := NewGitHubDecoder()
	if err != nil {
		return nil, err
	}
	gitlab, err := NewGitLabDecoder()
	if err != nil {
		return nil, err
	}
	return NewDispatcher(registry, logger, github, gitlab), nil
}

func (d *Dispatcher) Dispatch(ctx context.Context, msg consumer.Message) error {
	parts, err := consumer.ParseSubject(msg.Subject())
	if err != nil {
		return fmt.Errorf("%w: %v", mirror.ErrMalformedEnvelope, err)
	}
	handler, ok := d.registry.HandlerFor(parts.Provider, parts.EventType)
	if !ok {
		return fmt.Errorf("%w: %s/%s", consumer.ErrUnhandled, parts.Provider, parts.EventType)
	}
	decoder, ok := d.decoders[normalizeToken(parts.Provider)]
	if !ok {
		return fmt.Errorf("%w: no decoder for provider %s", consumer.ErrUnhandled, parts.Provider)
	}
	event, err := decoder.Decode(parts.EventType, msg.Data())
	if err != nil {
		return err
	}
	event.DeliveryID = msg.Header("Nats-Msg-Id")

	d.logger.Debug("dispatching event",
		"provider", event.Provider,
		"event_type", event.Type,
		"action", event.Action,
		"delivery_id", event.DeliveryID)
	return handler.Handle(ctx, event)
}
