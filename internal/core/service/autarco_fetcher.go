package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/berfenger/autarco2mqtt/internal/config"
	"github.com/berfenger/autarco2mqtt/internal/core/domain"
	"github.com/berfenger/autarco2mqtt/internal/core/port"
	"github.com/berfenger/autarco2mqtt/pkg/autarco"

	"go.uber.org/zap"
)

// AutarcoFetcher turns the calls of the Autarco client into snapshots. The
// public key is resolved on first use and kept until the API stops knowing it.
type AutarcoFetcher struct {
	api            port.AutarcoAPI
	fetchAccount   bool
	fetchInverters bool
	now            func() time.Time
	logger         *zap.Logger

	mu        sync.Mutex
	publicKey string
}

func NewAutarcoFetcher(api port.AutarcoAPI, cfg config.Config, logger *zap.Logger) *AutarcoFetcher {
	return &AutarcoFetcher{
		api:            api,
		fetchAccount:   cfg.MonitorConfig.FetchAccount,
		fetchInverters: cfg.MonitorConfig.FetchInverters,
		now:            time.Now,
		logger:         logger.With(zap.String("service", "fetcher")),
		publicKey:      cfg.Autarco.PublicKey,
	}
}

func (f *AutarcoFetcher) Fetch(ctx context.Context) (*domain.Snapshot, error) {
	key, err := f.resolvePublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve public key: %w", err)
	}

	solar, err := f.api.Solar(ctx, key)
	if err != nil {
		return nil, f.failed("solar", key, err)
	}
	snapshot := &domain.Snapshot{Solar: solar}

	if f.fetchAccount {
		account, err := f.api.Account(ctx, key)
		if err != nil {
			return nil, f.failed("account", key, err)
		}
		snapshot.Account = &account
	}

	if f.fetchInverters {
		inverters, err := f.api.Inverters(ctx, key)
		if err != nil {
			return nil, f.failed("inverters", key, err)
		}
		snapshot.Inverters = inverters
	}

	snapshot.FetchedAt = f.now()
	return snapshot, nil
}

func (f *AutarcoFetcher) Close() error {
	return f.api.Close()
}

func (f *AutarcoFetcher) PublicKey() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.publicKey
}

func (f *AutarcoFetcher) resolvePublicKey(ctx context.Context) (string, error) {
	if key := f.PublicKey(); key != "" {
		return key, nil
	}
	key, err := f.api.PublicKey(ctx)
	if err != nil {
		return "", err
	}
	f.logger.Info("public key resolved, set autarco.public_key to skip this lookup", zap.String("public_key", key))

	f.mu.Lock()
	f.publicKey = key
	f.mu.Unlock()
	return key, nil
}

func (f *AutarcoFetcher) failed(what, key string, err error) error {
	var statusErr *autarco.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		f.logger.Warn("public key not found upstream, it will be resolved again", zap.String("public_key", key))
		f.mu.Lock()
		if f.publicKey == key {
			f.publicKey = ""
		}
		f.mu.Unlock()
	}
	return fmt.Errorf("%s: %w", what, err)
}

var _ port.SnapshotFetcher = (*AutarcoFetcher)(nil)
var _ port.AutarcoAPI = (*autarco.Client)(nil)
