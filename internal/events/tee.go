package events

import (
	"context"
	"errors"
)

type teeBus struct {
	Bus
	sinks []Sink
}

// Tee publishes to bus and writes every event to each sink.
func Tee(bus Bus, sinks ...Sink) Bus {
	active := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return bus
	}
	return &teeBus{Bus: bus, sinks: active}
}

func (t *teeBus) Publish(ctx context.Context, event Event) error {
	event = stamp(event)
	errs := []error{t.Bus.Publish(ctx, event)}
	for _, s := range t.sinks {
		errs = append(errs, s.Write(ctx, event))
	}
	return errors.Join(errs...)
}
