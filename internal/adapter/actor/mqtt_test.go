package actor

import (
	"testing"
	"time"

	"github.com/berfenger/autarco2mqtt/internal/core/domain"
	"github.com/berfenger/autarco2mqtt/internal/mqtt"
	"github.com/berfenger/autarco2mqtt/internal/util"
	"github.com/berfenger/autarco2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEvent2MQTTMessage(t *testing.T) {
	cfg := util.LoadTestConfig()
	client := mqtt.CreateMQTTClient(&cfg, mqtt.OptsFromConfig(&cfg), nil, nil)

	msg := event2MQTTMessage(client, domain.FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{Id: "solar_power_production"},
		Value:                  1500,
	})
	require.NotNil(t, msg)
	assert.Equal(t, "autarco/sensor/solar_power_production/state", msg.topic)
	assert.Equal(t, "1500", msg.message)

	msg = event2MQTTMessage(client, domain.FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{Id: "x"},
		Value:                  12.345,
		Decimals:               2,
	})
	assert.Equal(t, "12.35", msg.message)

	msg = event2MQTTMessage(client, domain.BinarySensorUpdateEvent{
		SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{Id: "inverter_a_grid_turned_off"},
		Value:                  true,
	})
	assert.Equal(t, "autarco/binary_sensor/inverter_a_grid_turned_off/state", msg.topic)
	assert.Equal(t, mqtt.MQTT_PAYLOAD_ON, msg.message)

	msg = event2MQTTMessage(client, domain.TextSensorUpdateEvent{
		SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{Id: domain.SENSOR_ID_REFRESH_STATE},
		Value:                  "ready",
	})
	assert.Equal(t, "autarco/sensor/refresh_state/state", msg.topic)
	assert.Equal(t, "ready", msg.message)

	msg = event2MQTTMessage(client, domain.BridgeStateUpdateEvent{Value: false})
	assert.Equal(t, "autarco/bridge/state", msg.topic)
	assert.Equal(t, mqtt.MQTT_PAYLOAD_OFFLINE, msg.message)
	assert.True(t, msg.retain)

	assert.Nil(t, event2MQTTMessage(client, "unknown"))
}

func TestMQTTActor(t *testing.T) {

	cfg := util.LoadTestConfig()

	logger := zap.Must(zap.NewDevelopment())

	as := actorutil.NewActorSystemWithZapLogger(logger)
	defer as.Shutdown()

	context := as.Root

	recorder := make(chan any, 4)
	props := actor.PropsFromProducer(func() actor.Actor { return NewTestMQTTActor(&cfg, logger, recorder) })
	pid := context.Spawn(props)

	result, err := context.RequestFuture(pid, domain.ActorHealthRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	resp, ok := result.(domain.ActorHealthResponse)
	assert.True(t, ok)
	assert.True(t, resp.Healthy)
	assert.Equal(t, domain.ACTOR_ID_MQTT, resp.Id)

	update := domain.PublishSensorUpdateRequest{
		Retain: true,
		Event: domain.FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{Id: "solar_power_production"},
			Value:                  245,
		},
	}
	context.Send(pid, update)

	select {
	case got := <-recorder:
		assert.Equal(t, update, got)
	case <-time.After(2 * time.Second):
		t.Fatal("update not recorded")
	}

	context.Stop(pid)
}
