package events

import (
	"context"
	"errors"
)

// Fanout publishes to every sink and joins their failures.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, envelope Envelope) error {
	var errs []error
	for _, publisher := range f {
		if publisher == nil {
			continue
		}
		if err := publisher.Publish(ctx, envelope); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Publisher = Fanout(nil)
