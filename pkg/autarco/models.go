package autarco

import (
	"encoding/json"
)

// Inverter is a single inverter as reported by the power endpoint.
type Inverter struct {
	SerialNumber     Opt[string] `json:"serial_number"`
	OutACPower       Opt[int64]  `json:"out_ac_power"`
	OutACEnergyTotal Opt[int64]  `json:"out_ac_energy_total"`
	GridTurnedOff    Opt[bool]   `json:"grid_turned_off"`
	Health           Opt[string] `json:"health"`
}

// Solar combines the solar KPI stats with the current production.
type Solar struct {
	PowerProduction       Opt[int64] `json:"power_production"`
	EnergyProductionToday Opt[int64] `json:"energy_production_today"`
	EnergyProductionMonth Opt[int64] `json:"energy_production_month"`
	EnergyProductionTotal Opt[int64] `json:"energy_production_total"`
}

// Account is the site information of the authenticated account.
type Account struct {
	PublicKey Opt[string] `json:"public_key"`
	Name      Opt[string] `json:"name"`
	City      Opt[string] `json:"city"`
	Country   Opt[string] `json:"country"`
}

type inverterFields struct {
	SN               Opt[string] `json:"sn"`
	OutACPower       Opt[int64]  `json:"out_ac_power"`
	OutACEnergyTotal Opt[int64]  `json:"out_ac_energy_total"`
	GridTurnedOff    Opt[bool]   `json:"grid_turned_off"`
	Health           Opt[string] `json:"health"`
}

type solarKPIs struct {
	PVNow    Opt[int64] `json:"pv_now"`
	PVToday  Opt[int64] `json:"pv_today"`
	PVMonth  Opt[int64] `json:"pv_month"`
	PVToDate Opt[int64] `json:"pv_to_date"`
}

type kpisEnvelope struct {
	Stats *struct {
		KPIs *solarKPIs `json:"kpis"`
	} `json:"stats"`
}

// InverterFromJSON builds an Inverter from a two element array. Element 0 is
// ignored; element 1 holds the inverter fields. Upstream builds these pairs from
// the entries of the "inverters" object, but what element 0 means is not
// documented, so it is never interpreted here.
func InverterFromJSON(data []byte) (Inverter, error) {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return Inverter{}, parseError("inverter: %v", err)
	}
	if len(pair) != 2 {
		return Inverter{}, parseError("inverter: expected 2 elements, got %d", len(pair))
	}
	var fields *inverterFields
	if err := json.Unmarshal(pair[1], &fields); err != nil {
		return Inverter{}, parseError("inverter: %v", err)
	}
	if fields == nil {
		return Inverter{}, parseError("inverter: missing fields")
	}
	return Inverter{
		SerialNumber:     fields.SN,
		OutACPower:       fields.OutACPower,
		OutACEnergyTotal: fields.OutACEnergyTotal,
		GridTurnedOff:    fields.GridTurnedOff,
		Health:           fields.Health,
	}, nil
}

// SolarFromJSON needs both the KPI stats payload and the live power payload.
// Both must carry a stats.kpis object.
func SolarFromJSON(stats, power []byte) (Solar, error) {
	s, err := parseKPIs("solar stats", stats)
	if err != nil {
		return Solar{}, err
	}
	p, err := parseKPIs("solar power", power)
	if err != nil {
		return Solar{}, err
	}
	return Solar{
		PowerProduction:       p.PVNow,
		EnergyProductionToday: s.PVToday,
		EnergyProductionMonth: s.PVMonth,
		EnergyProductionTotal: s.PVToDate,
	}, nil
}

func AccountFromJSON(data []byte) (Account, error) {
	var a *Account
	if err := json.Unmarshal(data, &a); err != nil {
		return Account{}, parseError("account: %v", err)
	}
	if a == nil {
		return Account{}, parseError("account: empty response")
	}
	return *a, nil
}

func parseKPIs(what string, data []byte) (*solarKPIs, error) {
	var env kpisEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, parseError("%s: %v", what, err)
	}
	if env.Stats == nil {
		return nil, parseError("%s: missing stats", what)
	}
	if env.Stats.KPIs == nil {
		return nil, parseError("%s: missing stats.kpis", what)
	}
	return env.Stats.KPIs, nil
}
