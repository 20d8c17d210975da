package webhook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Handler processes one decoded event. Returning an error asks for
// redelivery unless the error is permanent.
type Handler interface {
	Handle(ctx context.Context, event *Event) error
}

type HandlerFunc func(ctx context.Context, event *Event) error

func (f HandlerFunc) Handle(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Route binds one provider event type to its handler.
type Route struct {
	Provider  string
	EventType string
	Handler   Handler
}

var ErrDuplicateRoute = errors.New("duplicate webhook route")

type routeKey struct {
	provider  string
	eventType string
}

// Registry maps provider event types to handlers. It is built once from a
// static route list and never changes afterwards.
type Registry struct {
	handlers map[routeKey]Handler
}

func NewRegistry(routes ...Route) (*Registry, error) {
	handlers := make(map[routeKey]Handler, len(routes))
	for _, route := range routes {
		key := routeKey{provider: normalizeToken(route.Provider), eventType: normalizeToken(route.EventType)}
		if key.provider == "" || key.eventType == "" || route.Handler == nil {
			return nil, fmt.Errorf("invalid webhook route %q/%q", route.Provider, route.EventType)
		}
		if _, exists := handlers[key]; exists {
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateRoute, key.provider, key.eventType)
		}
		handlers[key] = route.Handler
	}
	return &Registry{handlers: handlers}, nil
}

func (r *Registry) HandlerFor(provider, eventType string) (Handler, bool) {
	handler, ok := r.handlers[routeKey{provider: normalizeToken(provider), eventType: normalizeToken(eventType)}]
	return handler, ok
}

// EventTypes lists the registered event types of provider in sorted order.
func (r *Registry) EventTypes(provider string) []string {
	provider = normalizeToken(provider)
	out := make([]string, 0)
	for key := range r.handlers {
		if key.provider == provider {
			out = append(out, key.eventType)
		}
	}
	sort.Strings(out)
	return out
}

func normalizeToken(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
