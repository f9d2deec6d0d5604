package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/berfenger/autarco2mqtt/pkg/autarco"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot() *Snapshot {
	return &Snapshot{
		Solar: autarco.Solar{
			PowerProduction:       autarco.Some[int64](1500),
			EnergyProductionToday: autarco.Some[int64](12),
			EnergyProductionTotal: autarco.Some[int64](9000),
		},
		Account: &autarco.Account{
			PublicKey: autarco.Some("abc"),
			Name:      autarco.Some("Roof"),
		},
		Inverters: map[string]autarco.Inverter{
			"AB-123": {
				SerialNumber:  autarco.Some("AB-123"),
				OutACPower:    autarco.Some[int64](820),
				GridTurnedOff: autarco.Some(false),
			},
		},
		FetchedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSnapshotToUpdateEventsSkipsAbsent(t *testing.T) {
	events := SnapshotToUpdateEvents(testSnapshot())

	byId := map[string]SensorUpdateEvent{}
	for _, ev := range events {
		byId[ev.SensorId()] = ev
	}

	assert.Equal(t, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: "solar_power_production"},
		Value:                  1500,
	}, byId["solar_power_production"])
	assert.NotContains(t, byId, "solar_energy_production_month")
	assert.Contains(t, byId, "solar_energy_production_total")

	assert.Equal(t, TextSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: "account_name"},
		Value:                  "Roof",
	}, byId["account_name"])
	assert.NotContains(t, byId, "account_city")

	assert.Equal(t, BinarySensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: "inverter_ab_123_grid_turned_off"},
		Value:                  false,
	}, byId["inverter_ab_123_grid_turned_off"])
	assert.NotContains(t, byId, "inverter_ab_123_health")

	assert.Len(t, events, 7)
}

func TestSnapshotToUpdateEventsSolarOnly(t *testing.T) {
	s := testSnapshot()
	s.Account = nil
	s.Inverters = nil

	events := SnapshotToUpdateEvents(s)
	assert.Len(t, events, 3)
	assert.Empty(t, SnapshotToUpdateEvents(nil))
}

func TestNumeric(t *testing.T) {
	s := testSnapshot()

	v, ok := SolarSensors[0].Numeric(s)
	require.True(t, ok)
	assert.Equal(t, 1500.0, v)

	_, ok = SolarSensors[2].Numeric(s)
	assert.False(t, ok, "month is absent")

	inv := s.Inverters["AB-123"]
	v, ok = InverterSensors[3].Numeric(inv)
	require.True(t, ok)
	assert.Equal(t, 0.0, v)

	_, ok = InverterSensors[0].Numeric(inv)
	assert.False(t, ok, "serial number is text")
}

func TestDiscoverySensors(t *testing.T) {
	sensors := DiscoverySensors("autarco", testSnapshot())

	// bridge + solar + account + inverter
	require.Len(t, sensors, len(BridgeSensors(Device{}))+len(SolarSensors)+len(AccountSensors)+len(InverterSensors))

	bridge := BridgeDevice("autarco")
	solar := sensors[3]
	assert.Equal(t, "solar_power_production", solar.Id)
	assert.Equal(t, "Autarco Roof", solar.Device.Name)
	assert.Equal(t, bridge.Id, solar.Device.ViaDevice)
	assert.Equal(t, MANUFACTURER_AUTARCO, solar.Device.Manufacturer)
	assert.Empty(t, sensors[4].Device.Manufacturer, "later sensors only reference the device")

	ids := map[string]bool{}
	for _, s := range sensors {
		assert.False(t, ids[s.UniqueId], "duplicate unique id %s", s.UniqueId)
		ids[s.UniqueId] = true
	}
}

func TestDiscoverySensorsWithoutSnapshot(t *testing.T) {
	sensors := DiscoverySensors("autarco", nil)
	assert.Equal(t, BridgeSensors(BridgeDevice("autarco")), sensors)
}

func TestInverterSensorIdIsTopicSafe(t *testing.T) {
	assert.Equal(t, "inverter_s_n_1_2_out_ac_power", InverterSensorId("S/N 1+2", "out_ac_power"))
}

func TestStatusErr(t *testing.T) {
	assert.ErrorIs(t, Status{}.Err(), ErrNotReady)
	assert.ErrorIs(t, Status{State: StateFailed, LastError: errors.New("boom")}.Err(), ErrNotReady)

	ready := Status{State: StateReady, LastSuccess: time.Now()}
	assert.NoError(t, ready.Err())

	ready.Stale = true
	assert.ErrorIs(t, ready.Err(), ErrStale)
}

func TestStatusJSON(t *testing.T) {
	b, err := Status{State: StateFailed, ConsecutiveFailures: 2, LastError: errors.New("boom")}.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"failed","consecutive_failures":2,"total_failures":0,"coalesced_ticks":0,"last_error":"boom","stale":false}`, string(b))
}

func TestCommandToRequest(t *testing.T) {
	assert.Equal(t, RefreshRequest{}, ToRequest(RefreshCommand{}))
	assert.Equal(t, BUTTON_ID_REFRESH, RefreshCommand{}.CommandName())
}
