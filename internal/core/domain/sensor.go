package domain

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/berfenger/autarco2mqtt/pkg/autarco"
	"github.com/carlmjohnson/versioninfo"
)

const (
	SENSOR_ID_BRIDGE_STATE         = "bridge"
	SENSOR_ID_REFRESH_STATE        = "refresh_state"
	SENSOR_ID_CONSECUTIVE_FAILURES = "refresh_consecutive_failures"
	BUTTON_ID_REFRESH              = "refresh"
	SENSOR_PREFIX_SOLAR            = "solar"
	SENSOR_PREFIX_ACCOUNT          = "account"
	SENSOR_PREFIX_INVERTER         = "inverter"
	STATE_CLASS_MEASUREMENT        = "measurement"
	STATE_CLASS_TOTAL              = "total"
	STATE_CLASS_TOTAL_INCREASING   = "total_increasing"
	DEVICE_CLASS_ENERGY            = "energy"
	DEVICE_CLASS_POWER             = "power"
	DEVICE_CLASS_CONNECTIVITY      = "connectivity"
	DEVICE_CLASS_PROBLEM           = "problem"
	ENTITY_CLASS_DIAGNOSTIC        = "diagnostic"
	ENTITY_CLASS_CONFIG            = "config"
	SENSOR_TYPE_SENSOR             = "sensor"
	SENSOR_TYPE_BINARY             = "binary_sensor"
	SENSOR_TYPE_BUTTON             = "button"
	UNIT_WATT                      = "W"
	UNIT_KILO_WATT_HOUR            = "kWh"
	MANUFACTURER_AUTARCO           = "Autarco"
	MANUFACTURER_BRIDGE            = "autarco2mqtt"
)

// SensorDescription describes one value read out of T. Value reports false
// when the upstream API left the value out.
type SensorDescription[T any] struct {
	Key               string
	Name              string
	SensorType        string
	UnitOfMeasurement string
	DeviceClass       string
	StateClass        string
	EntityCategory    string
	Icon              string
	Value             func(T) (any, bool)
}

var SolarSensors = []SensorDescription[*Snapshot]{
	{
		Key:               "power_production",
		Name:              "Power production",
		SensorType:        SENSOR_TYPE_SENSOR,
		UnitOfMeasurement: UNIT_WATT,
		DeviceClass:       DEVICE_CLASS_POWER,
		StateClass:        STATE_CLASS_MEASUREMENT,
		Value:             func(s *Snapshot) (any, bool) { return optValue(s.Solar.PowerProduction) },
	},
	{
		Key:               "energy_production_today",
		Name:              "Energy production today",
		SensorType:        SENSOR_TYPE_SENSOR,
		UnitOfMeasurement: UNIT_KILO_WATT_HOUR,
		DeviceClass:       DEVICE_CLASS_ENERGY,
		StateClass:        STATE_CLASS_TOTAL_INCREASING,
		Value:             func(s *Snapshot) (any, bool) { return optValue(s.Solar.EnergyProductionToday) },
	},
	{
		Key:               "energy_production_month",
		Name:              "Energy production month",
		SensorType:        SENSOR_TYPE_SENSOR,
		UnitOfMeasurement: UNIT_KILO_WATT_HOUR,
		DeviceClass:       DEVICE_CLASS_ENERGY,
		StateClass:        STATE_CLASS_TOTAL_INCREASING,
		Value:             func(s *Snapshot) (any, bool) { return optValue(s.Solar.EnergyProductionMonth) },
	},
	{
		Key:               "energy_production_total",
		Name:              "Energy production total",
		SensorType:        SENSOR_TYPE_SENSOR,
		UnitOfMeasurement: UNIT_KILO_WATT_HOUR,
		DeviceClass:       DEVICE_CLASS_ENERGY,
		StateClass:        STATE_CLASS_TOTAL,
		Value:             func(s *Snapshot) (any, bool) { return optValue(s.Solar.EnergyProductionTotal) },
	},
}

var AccountSensors = []SensorDescription[*autarco.Account]{
	{
		Key:            "name",
		Name:           "Name",
		SensorType:     SENSOR_TYPE_SENSOR,
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		Icon:           "mdi:solar-panel",
		Value:          func(a *autarco.Account) (any, bool) { return optValue(a.Name) },
	},
	{
		Key:            "city",
		Name:           "City",
		SensorType:     SENSOR_TYPE_SENSOR,
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		Icon:           "mdi:city",
		Value:          func(a *autarco.Account) (any, bool) { return optValue(a.City) },
	},
	{
		Key:            "country",
		Name:           "Country",
		SensorType:     SENSOR_TYPE_SENSOR,
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		Icon:           "mdi:earth",
		Value:          func(a *autarco.Account) (any, bool) { return optValue(a.Country) },
	},
}

var InverterSensors = []SensorDescription[autarco.Inverter]{
	{
		Key:            "serial_number",
		Name:           "Serial number",
		SensorType:     SENSOR_TYPE_SENSOR,
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		Value:          func(i autarco.Inverter) (any, bool) { return optValue(i.SerialNumber) },
	},
	{
		Key:               "out_ac_power",
		Name:              "AC output power",
		SensorType:        SENSOR_TYPE_SENSOR,
		UnitOfMeasurement: UNIT_WATT,
		DeviceClass:       DEVICE_CLASS_POWER,
		StateClass:        STATE_CLASS_MEASUREMENT,
		Value:             func(i autarco.Inverter) (any, bool) { return optValue(i.OutACPower) },
	},
	{
		Key:               "out_ac_energy_total",
		Name:              "AC output energy total",
		SensorType:        SENSOR_TYPE_SENSOR,
		UnitOfMeasurement: UNIT_KILO_WATT_HOUR,
		DeviceClass:       DEVICE_CLASS_ENERGY,
		StateClass:        STATE_CLASS_TOTAL_INCREASING,
		Value:             func(i autarco.Inverter) (any, bool) { return optValue(i.OutACEnergyTotal) },
	},
	{
		Key:         "grid_turned_off",
		Name:        "Grid turned off",
		SensorType:  SENSOR_TYPE_BINARY,
		DeviceClass: DEVICE_CLASS_PROBLEM,
		Value:       func(i autarco.Inverter) (any, bool) { return optValue(i.GridTurnedOff) },
	},
	{
		Key:            "health",
		Name:           "Health",
		SensorType:     SENSOR_TYPE_SENSOR,
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		Icon:           "mdi:heart-pulse",
		Value:          func(i autarco.Inverter) (any, bool) { return optValue(i.Health) },
	},
}

func optValue[V any](o autarco.Opt[V]) (any, bool) {
	v, ok := o.Get()
	return v, ok
}

// Event converts the value read from source into a sensor update. It returns
// nil when the value is absent.
func (d SensorDescription[T]) Event(id string, source T) SensorUpdateEvent {
	value, ok := d.Value(source)
	if !ok {
		return nil
	}
	mixIn := SensorUpdateEventMixIn{Id: id}
	switch v := value.(type) {
	case int64:
		return FloatSensorUpdateEvent{SensorUpdateEventMixIn: mixIn, Value: float64(v)}
	case bool:
		return BinarySensorUpdateEvent{SensorUpdateEventMixIn: mixIn, Value: v}
	case string:
		return TextSensorUpdateEvent{SensorUpdateEventMixIn: mixIn, Value: v}
	default:
		return TextSensorUpdateEvent{SensorUpdateEventMixIn: mixIn, Value: fmt.Sprintf("%v", v)}
	}
}

// Numeric returns the value as a number, if it is one. Booleans map to 0 and 1.
func (d SensorDescription[T]) Numeric(source T) (float64, bool) {
	value, ok := d.Value(source)
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case int64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func SolarSensorId(key string) string {
	return fmt.Sprintf("%s_%s", SENSOR_PREFIX_SOLAR, key)
}

func AccountSensorId(key string) string {
	return fmt.Sprintf("%s_%s", SENSOR_PREFIX_ACCOUNT, key)
}

// InverterSensorId builds an id usable in MQTT topics out of the inverter key,
// whatever characters upstream put in it.
func InverterSensorId(inverterKey, key string) string {
	return fmt.Sprintf("%s_%s_%s", SENSOR_PREFIX_INVERTER, topicSafe(inverterKey), key)
}

// SortedInverterKeys returns the inverter keys in a stable order.
func SortedInverterKeys(s *Snapshot) []string {
	keys := make([]string, 0, len(s.Inverters))
	for k := range s.Inverters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SnapshotToUpdateEvents lists the sensor updates for every value present in
// the snapshot. Absent values produce no update.
func SnapshotToUpdateEvents(s *Snapshot) []SensorUpdateEvent {
	var events []SensorUpdateEvent
	if s == nil {
		return events
	}
	for _, d := range SolarSensors {
		if ev := d.Event(SolarSensorId(d.Key), s); ev != nil {
			events = append(events, ev)
		}
	}
	if s.Account != nil {
		for _, d := range AccountSensors {
			if ev := d.Event(AccountSensorId(d.Key), s.Account); ev != nil {
				events = append(events, ev)
			}
		}
	}
	for _, key := range SortedInverterKeys(s) {
		inv := s.Inverters[key]
		for _, d := range InverterSensors {
			if ev := d.Event(InverterSensorId(key, d.Key), inv); ev != nil {
				events = append(events, ev)
			}
		}
	}
	return events
}

func StatusToUpdateEvents(st Status) []SensorUpdateEvent {
	return []SensorUpdateEvent{
		TextSensorUpdateEvent{
			SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: SENSOR_ID_REFRESH_STATE},
			Value:                  st.State.String(),
		},
		FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: SENSOR_ID_CONSECUTIVE_FAILURES},
			Value:                  float64(st.ConsecutiveFailures),
		},
	}
}

func BridgeDevice(baseTopic string) Device {
	return Device{
		Id:           fmt.Sprintf("autarco2mqtt_bridge_%s", md5HashShort(baseTopic)),
		Manufacturer: MANUFACTURER_BRIDGE,
		Model:        "Autarco2MQTT",
		Version:      versioninfo.Short(),
		Name:         fmt.Sprintf("Autarco2MQTT %s", md5HashShort(baseTopic)),
	}
}

func SolarDevice(baseTopic string, account *autarco.Account) Device {
	name := "Autarco solar"
	if account != nil {
		if siteName, ok := account.Name.Get(); ok && siteName != "" {
			name = fmt.Sprintf("Autarco %s", siteName)
		}
	}
	return Device{
		Id:           fmt.Sprintf("autarco_solar_%s", md5HashShort(baseTopic)),
		Manufacturer: MANUFACTURER_AUTARCO,
		Model:        "Solar",
		Name:         name,
	}
}

func InverterDevice(inverterKey string, inv autarco.Inverter) Device {
	return Device{
		Id:           fmt.Sprintf("autarco_inverter_%s", md5HashShort(inverterKey)),
		Manufacturer: MANUFACTURER_AUTARCO,
		Model:        "Inverter",
		Name:         fmt.Sprintf("Autarco inverter %s", inv.SerialNumber.OrElse(inverterKey)),
	}
}

func IdDevice(device Device) Device {
	return Device{
		Id:   device.Id,
		Name: device.Name,
	}
}

func BridgeSensors(bridgeDevice Device) []GenericSensor {

	var sensors []GenericSensor

	// Connection state
	sensors = append(sensors, GenericSensor{
		Device:         bridgeDevice,
		Id:             SENSOR_ID_BRIDGE_STATE,
		SensorType:     SENSOR_TYPE_BINARY,
		Name:           "Connection state",
		DeviceClass:    DEVICE_CLASS_CONNECTIVITY,
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:       uniqueId(bridgeDevice.Id, SENSOR_ID_BRIDGE_STATE),
	})

	// Refresh state
	sensors = append(sensors, GenericSensor{
		Device:         IdDevice(bridgeDevice),
		Id:             SENSOR_ID_REFRESH_STATE,
		SensorType:     SENSOR_TYPE_SENSOR,
		Name:           "Refresh state",
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		Icon:           "mdi:cloud-sync",
		UniqueId:       uniqueId(bridgeDevice.Id, SENSOR_ID_REFRESH_STATE),
	})

	// Consecutive refresh failures
	sensors = append(sensors, GenericSensor{
		Device:           IdDevice(bridgeDevice),
		Id:               SENSOR_ID_CONSECUTIVE_FAILURES,
		SensorType:       SENSOR_TYPE_SENSOR,
		Name:             "Consecutive refresh failures",
		StateClass:       STATE_CLASS_MEASUREMENT,
		EntityCategory:   ENTITY_CLASS_DIAGNOSTIC,
		EnabledByDefault: optionalBool(false),
		UniqueId:         uniqueId(bridgeDevice.Id, SENSOR_ID_CONSECUTIVE_FAILURES),
	})

	return sensors
}

func BridgeButtons(bridgeDevice Device) []GenericButton {
	return []GenericButton{{
		Device:   IdDevice(bridgeDevice),
		Id:       BUTTON_ID_REFRESH,
		Name:     "Refresh",
		UniqueId: uniqueId(bridgeDevice.Id, BUTTON_ID_REFRESH),
		Icon:     "mdi:refresh",
	}}
}

// DiscoverySensors lists every sensor to announce for the snapshot. The first
// sensor of each device carries the full device description, the rest only
// reference it.
func DiscoverySensors(baseTopic string, s *Snapshot) []GenericSensor {
	bridgeDevice := BridgeDevice(baseTopic)
	sensors := BridgeSensors(bridgeDevice)
	if s == nil {
		return sensors
	}

	solarDevice := SolarDevice(baseTopic, s.Account)
	solarDevice.ViaDevice = bridgeDevice.Id
	sensors = append(sensors, describe(solarDevice, SolarSensors, SolarSensorId)...)

	if s.Account != nil {
		sensors = append(sensors, describe(IdDevice(solarDevice), AccountSensors, AccountSensorId)...)
	}

	for _, key := range SortedInverterKeys(s) {
		inverterDevice := InverterDevice(key, s.Inverters[key])
		inverterDevice.ViaDevice = bridgeDevice.Id
		sensors = append(sensors, describe(inverterDevice, InverterSensors, func(k string) string {
			return InverterSensorId(key, k)
		})...)
	}
	return sensors
}

func describe[T any](device Device, descriptions []SensorDescription[T], idFn func(string) string) []GenericSensor {
	sensors := make([]GenericSensor, 0, len(descriptions))
	for i, d := range descriptions {
		dev := device
		if i > 0 {
			dev = IdDevice(device)
		}
		id := idFn(d.Key)
		sensors = append(sensors, GenericSensor{
			Device:            dev,
			Id:                id,
			SensorType:        d.SensorType,
			Name:              d.Name,
			UniqueId:          uniqueId(device.Id, id),
			UnitOfMeasurement: d.UnitOfMeasurement,
			StateClass:        d.StateClass,
			DeviceClass:       d.DeviceClass,
			EntityCategory:    d.EntityCategory,
			Icon:              d.Icon,
		})
	}
	return sensors
}

func topicSafe(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func uniqueId(baseId, id string) string {
	return fmt.Sprintf("uid_%s_%s", baseId, id)
}

func md5Hash(text string) string {
	hash := md5.Sum([]byte(text))
	return hex.EncodeToString(hash[:])
}

func md5HashShort(text string) string {
	hash := md5Hash(text)
	return hash[0:8]
}

func optionalBool(value bool) *bool {
	return &value
}
