package port

import (
	"context"

	"github.com/berfenger/autarco2mqtt/internal/core/domain"
	"github.com/berfenger/autarco2mqtt/pkg/autarco"
)

// SnapshotFetcher performs one refresh against the data source. Fetch must
// return once ctx is done: the coordinator starts the next refresh after a
// timed out fetch without waiting for it. Close releases the underlying
// session; it may be called more than once.
type SnapshotFetcher interface {
	Fetch(ctx context.Context) (*domain.Snapshot, error)
	Close() error
}

// AutarcoAPI is the part of the Autarco client a fetcher needs.
type AutarcoAPI interface {
	PublicKey(ctx context.Context) (string, error)
	Account(ctx context.Context, publicKey string) (autarco.Account, error)
	Solar(ctx context.Context, publicKey string) (autarco.Solar, error)
	Inverters(ctx context.Context, publicKey string) (map[string]autarco.Inverter, error)
	Close() error
}

// UpdateSink receives every new snapshot.
type UpdateSink interface {
	SnapshotUpdated(snapshot *domain.Snapshot)
}

// FailureSink is implemented by sinks that also want to hear about failed
// refreshes.
type FailureSink interface {
	RefreshFailed(event domain.RefreshFailedEvent)
}

type UpdateSinkFunc func(snapshot *domain.Snapshot)

func (f UpdateSinkFunc) SnapshotUpdated(snapshot *domain.Snapshot) {
	f(snapshot)
}

// SnapshotSource is the read side of the coordinator used by the host
// adapters.
type SnapshotSource interface {
	Snapshot() (*domain.Snapshot, error)
	Status() domain.Status
	OnUpdate(sink UpdateSink) (unsubscribe func())
}
