package domain

import (
	"context"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// Contract is what the control plane dispatches to. Every lifecycle
// operation streams progress through notify.
type Contract interface {
	Start(ctx context.Context, notify Notifier) error
	Stop(ctx context.Context, notify Notifier) error
	StopOne(ctx context.Context, name string, notify Notifier) error
	RestartOne(ctx context.Context, name string, notify Notifier) error
	Refresh(ctx context.Context, notify Notifier) error
	Status(ctx context.Context) (StatusDocument, error)
}

// Dispatch routes a decoded lifecycle command to the contract. StatusCommand
// is answered separately through Contract.Status.
func Dispatch(ctx context.Context, contract Contract, cmd Command, notify Notifier) error {
	switch c := cmd.(type) {
	case StartCommand:
		return contract.Start(ctx, notify)
	case StopCommand:
		return contract.Stop(ctx, notify)
	case StopOneCommand:
		return contract.StopOne(ctx, c.Name, notify)
	case RestartOneCommand:
		return contract.RestartOne(ctx, c.Name, notify)
	case RefreshCommand:
		return contract.Refresh(ctx, notify)
	case StatusCommand:
		document, err := contract.Status(ctx)
		if err != nil {
			return err
		}
		for _, name := range document.Names() {
			entry := document[name]
			notify.Notify(NewNotification(name, EventInformation, entry.String(name)))
		}
		return nil
	default:
		return errors.NewProtocolError("unsupported command", nil)
	}
}
