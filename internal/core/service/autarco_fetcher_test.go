package service

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/berfenger/autarco2mqtt/internal/config"
	"github.com/berfenger/autarco2mqtt/pkg/autarco"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAPI struct {
	keys      []string
	keyErr    error
	solarErrs map[string]error
	calls     []string
	closed    int
}

func (a *fakeAPI) PublicKey(context.Context) (string, error) {
	a.calls = append(a.calls, "public_key")
	if a.keyErr != nil {
		return "", a.keyErr
	}
	key := a.keys[0]
	if len(a.keys) > 1 {
		a.keys = a.keys[1:]
	}
	return key, nil
}

func (a *fakeAPI) Account(_ context.Context, key string) (autarco.Account, error) {
	a.calls = append(a.calls, "account:"+key)
	return autarco.Account{PublicKey: autarco.Some(key), Name: autarco.Some("Roof")}, nil
}

func (a *fakeAPI) Solar(_ context.Context, key string) (autarco.Solar, error) {
	a.calls = append(a.calls, "solar:"+key)
	if err := a.solarErrs[key]; err != nil {
		return autarco.Solar{}, err
	}
	return autarco.Solar{PowerProduction: autarco.Some[int64](1500)}, nil
}

func (a *fakeAPI) Inverters(_ context.Context, key string) (map[string]autarco.Inverter, error) {
	a.calls = append(a.calls, "inverters:"+key)
	return map[string]autarco.Inverter{"AB123": {SerialNumber: autarco.Some("AB123")}}, nil
}

func (a *fakeAPI) Close() error {
	a.closed++
	return nil
}

func testConfig(publicKey string, account, inverters bool) config.Config {
	return config.Config{
		Autarco: config.AutarcoConfig{PublicKey: publicKey},
		MonitorConfig: config.MonitorConfig{
			FetchAccount:   account,
			FetchInverters: inverters,
		},
	}
}

func TestFetchResolvesPublicKeyOnce(t *testing.T) {
	api := &fakeAPI{keys: []string{"pk-1"}}
	fetcher := NewAutarcoFetcher(api, testConfig("", false, false), zap.NewNop())
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	fetcher.now = func() time.Time { return now }

	snap, err := fetcher.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, autarco.Some[int64](1500), snap.Solar.PowerProduction)
	assert.Equal(t, now, snap.FetchedAt)
	assert.Nil(t, snap.Account)
	assert.Nil(t, snap.Inverters)

	_, err = fetcher.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"public_key", "solar:pk-1", "solar:pk-1"}, api.calls)
	assert.Equal(t, "pk-1", fetcher.PublicKey())
}

func TestFetchUsesConfiguredPublicKey(t *testing.T) {
	api := &fakeAPI{}
	fetcher := NewAutarcoFetcher(api, testConfig("pk-cfg", true, true), zap.NewNop())

	snap, err := fetcher.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"solar:pk-cfg", "account:pk-cfg", "inverters:pk-cfg"}, api.calls)
	require.NotNil(t, snap.Account)
	assert.Equal(t, autarco.Some("Roof"), snap.Account.Name)
	assert.Contains(t, snap.Inverters, "AB123")
}

func TestFetchPublicKeyError(t *testing.T) {
	api := &fakeAPI{keyErr: autarco.ErrAuth}
	fetcher := NewAutarcoFetcher(api, testConfig("", false, false), zap.NewNop())

	_, err := fetcher.Fetch(context.Background())
	assert.ErrorIs(t, err, autarco.ErrAuth)
	assert.Equal(t, []string{"public_key"}, api.calls)
}

func TestFetchReresolvesUnknownPublicKey(t *testing.T) {
	api := &fakeAPI{
		keys: []string{"pk-new"},
		solarErrs: map[string]error{
			"pk-old": &autarco.StatusError{Path: "/api/site/pk-old/kpis/solar", StatusCode: http.StatusNotFound},
		},
	}
	fetcher := NewAutarcoFetcher(api, testConfig("pk-old", false, false), zap.NewNop())

	_, err := fetcher.Fetch(context.Background())
	assert.ErrorIs(t, err, autarco.ErrConnection)
	assert.Empty(t, fetcher.PublicKey())

	_, err = fetcher.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pk-new", fetcher.PublicKey())
	assert.Equal(t, []string{"solar:pk-old", "public_key", "solar:pk-new"}, api.calls)
}

func TestFetchKeepsPublicKeyOnOtherErrors(t *testing.T) {
	api := &fakeAPI{
		solarErrs: map[string]error{
			"pk-1": &autarco.StatusError{Path: "/api/site/pk-1/power", StatusCode: http.StatusBadGateway},
		},
	}
	fetcher := NewAutarcoFetcher(api, testConfig("pk-1", false, false), zap.NewNop())

	_, err := fetcher.Fetch(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "pk-1", fetcher.PublicKey())
}

func TestFetcherClose(t *testing.T) {
	api := &fakeAPI{}
	fetcher := NewAutarcoFetcher(api, testConfig("pk-1", false, false), zap.NewNop())

	assert.NoError(t, fetcher.Close())
	assert.Equal(t, 1, api.closed)
}
