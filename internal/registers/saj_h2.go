package registers

import (
	"fmt"

	"github.com/KevinKickass/SajModbusHub/internal/types"
)

const (
	Manufacturer = "SAJ Electric"
	ModelH2      = "SAJ H2"
)

// Block addresses (holding registers, unit 1)
const (
	AddrInverterInfo = 0x8F00
	AddrRealtime     = 0x4004
	AddrAdditional   = 0x406E
	AddrEnergy       = 0x40BF
	AddrGridEnergy   = 0x4147
	AddrSettings     = 0x3604
)

func u16(name string, addr uint16, scale types.Scale, unit string) types.RegisterSpec {
	return types.RegisterSpec{Name: name, Address: addr, WordCount: 1, DataType: types.DataTypeUint,
		Scale: scale, Unit: unit, Access: types.AccessTypeReadOnly}
}

func i16(name string, addr uint16, scale types.Scale, unit string) types.RegisterSpec {
	return types.RegisterSpec{Name: name, Address: addr, WordCount: 1, DataType: types.DataTypeInt,
		Scale: scale, Unit: unit, Access: types.AccessTypeReadOnly}
}

func u32(name string, addr uint16, scale types.Scale, unit string) types.RegisterSpec {
	return types.RegisterSpec{Name: name, Address: addr, WordCount: 2, DataType: types.DataTypeUint,
		Scale: scale, Unit: unit, Access: types.AccessTypeReadOnly}
}

func bits32(name string, addr uint16) types.RegisterSpec {
	return types.RegisterSpec{Name: name, Address: addr, WordCount: 2, DataType: types.DataTypeBitfield,
		Access: types.AccessTypeReadOnly}
}

func ascii(name string, addr, words uint16) types.RegisterSpec {
	return types.RegisterSpec{Name: name, Address: addr, WordCount: words, DataType: types.DataTypeASCII,
		Access: types.AccessTypeReadOnly}
}

func single(name string, addr uint16, dt types.DataType) types.RegisterSpec {
	return types.RegisterSpec{Name: name, Address: addr, WordCount: 1, DataType: dt,
		Access: types.AccessTypeReadOnly}
}

// rw marks spec writable with optional bounds in engineering units.
func rw(spec types.RegisterSpec, bounds ...float64) types.RegisterSpec {
	spec.Access = types.AccessTypeReadWrite
	if len(bounds) == 2 {
		lo, hi := bounds[0], bounds[1]
		spec.Min, spec.Max = &lo, &hi
	}
	return spec
}

var one = types.Scale{}

func inverterInfoBlock() types.RegisterBlock {
	return types.RegisterBlock{
		Name:    "inverter_info",
		Address: AddrInverterInfo,
		Count:   29,
		Static:  true,
		Registers: []types.RegisterSpec{
			u16("devtype", 0x8F00, one, ""),
			u16("subtype", 0x8F01, one, ""),
			u16("commver", 0x8F02, types.Per(1000), ""),
			ascii("serial_number", 0x8F03, 10),
			ascii("product_code", 0x8F0D, 10),
			u16("dv", 0x8F17, types.Per(1000), ""),
			u16("mcv", 0x8F18, types.Per(1000), ""),
			u16("scv", 0x8F19, types.Per(1000), ""),
			u16("disphwversion", 0x8F1A, types.Per(1000), ""),
			u16("ctrlhwversion", 0x8F1B, types.Per(1000), ""),
			u16("powerhwversion", 0x8F1C, types.Per(1000), ""),
		},
	}
}

func realtimeBlock() types.RegisterBlock {
	return types.RegisterBlock{
		Name:    "realtime",
		Address: AddrRealtime,
		Count:   19,
		Registers: []types.RegisterSpec{
			u16("mpvmode", 0x4004, one, ""),
			bits32("faultMsg0", 0x4005),
			bits32("faultMsg1", 0x4007),
			bits32("faultMsg2", 0x4009),
			// 0x400B..0x400E reserved
			u16("errorcount", 0x400F, one, ""),
			i16("SinkTemp", 0x4010, types.Per(10), "°C"),
			i16("AmbTemp", 0x4011, types.Per(10), "°C"),
			i16("gfci", 0x4012, one, "mA"),
			u16("iso1", 0x4013, one, "kΩ"),
			u16("iso2", 0x4014, one, "kΩ"),
			u16("iso3", 0x4015, one, "kΩ"),
			u16("iso4", 0x4016, one, "kΩ"),
		},
	}
}

func additionalBlock() types.RegisterBlock {
	regs := []types.RegisterSpec{
		i16("BatTemp", 0x406E, types.Per(10), "°C"),
		i16("batEnergyPercent", 0x406F, types.Per(100), "%"),
	}
	for i := uint16(0); i < 4; i++ {
		base := 0x4071 + 3*i
		n := i + 1
		regs = append(regs,
			i16(fmt.Sprintf("pv%dVoltage", n), base, types.Per(10), "V"),
			i16(fmt.Sprintf("pv%dTotalCurrent", n), base+1, types.Per(100), "A"),
			i16(fmt.Sprintf("pv%dPower", n), base+2, one, "W"),
		)
	}
	regs = append(regs,
		i16("directionPV", 0x4095, one, ""),
		i16("directionBattery", 0x4096, one, ""),
		i16("directionGrid", 0x4097, one, ""),
		i16("directionOutput", 0x4098, one, ""),
		i16("TotalLoadPower", 0x40A0, one, "W"),
		i16("pvPower", 0x40A5, one, "W"),
		i16("batteryPower", 0x40A6, one, "W"),
		i16("totalgridPower", 0x40A7, one, "W"),
		i16("inverterPower", 0x40A9, one, "W"),
		i16("gridPower", 0x40AD, one, "W"),
	)
	return types.RegisterBlock{Name: "additional", Address: AddrAdditional, Count: 64, Registers: regs}
}

// energyCounters lays out consecutive u32 kWh counters (x0.01).
func energyCounters(base uint16, names []string) []types.RegisterSpec {
	regs := make([]types.RegisterSpec, 0, len(names))
	for i, name := range names {
		regs = append(regs, u32(name, base+uint16(2*i), types.Per(100), "kWh"))
	}
	return regs
}

func periods(format string) []string {
	out := make([]string, 0, 4)
	for _, p := range []string{"today", "month", "year", "total"} {
		out = append(out, fmt.Sprintf(format, p))
	}
	return out
}

func energyBlock() types.RegisterBlock {
	var names []string
	names = append(names, "todayenergy", "monthenergy", "yearenergy", "totalenergy")
	names = append(names, periods("bat_%s_charge")...)
	names = append(names, periods("bat_%s_discharge")...)
	names = append(names, periods("inv_%s_gen")...)
	names = append(names, periods("total_%s_load")...)
	names = append(names, periods("backup_%s_load")...)
	names = append(names, periods("sell_%s_energy")...)
	names = append(names, periods("feedin_%s_energy")...)
	return types.RegisterBlock{
		Name: "energy", Address: AddrEnergy, Count: 64,
		Registers: energyCounters(AddrEnergy, names),
	}
}

func gridEnergyBlock() types.RegisterBlock {
	var names []string
	names = append(names, periods("sell_%s_energy_2")...)
	names = append(names, periods("sell_%s_energy_3")...)
	names = append(names, periods("feedin_%s_energy_2")...)
	names = append(names, periods("feedin_%s_energy_3")...)
	names = append(names, periods("sum_feed_in_%s")...)
	names = append(names, periods("sum_sell_%s")...)
	return types.RegisterBlock{
		Name: "grid_energy", Address: AddrGridEnergy, Count: 48,
		Registers: energyCounters(AddrGridEnergy, names),
	}
}

// Settings: die Adressen stammen aus dem H2 Protokoll-Dokument, nicht aus
// dem Legacy-Treiber (dort nur Lesezugriff).
func settingsBlock() types.RegisterBlock {
	return types.RegisterBlock{
		Name:    "settings",
		Address: AddrSettings,
		Count:   68,
		Registers: []types.RegisterSpec{
			rw(single("charging_enabled", 0x3604, types.DataTypeBool)),
			rw(single("discharging_enabled", 0x3605, types.DataTypeBool)),
			rw(single("charge_start_time", 0x3606, types.DataTypeTime)),
			rw(single("charge_end_time", 0x3607, types.DataTypeTime)),
			rw(u16("charge_power_percent", 0x3608, one, "%"), 0, 100),
			rw(single("discharge_start_time", 0x361B, types.DataTypeTime)),
			rw(single("discharge_end_time", 0x361C, types.DataTypeTime)),
			rw(u16("discharge_power_percent", 0x361D, one, "%"), 0, 100),
			rw(u16("power_limit", 0x3639, types.Per(10), "%"), 0, 110),
			rw(u16("battery_on_grid_discharge_depth", 0x3644, one, "%"), 0, 100),
			rw(u16("battery_off_grid_discharge_depth", 0x3645, one, "%"), 0, 100),
			rw(u16("battery_charge_upper_limit", 0x3646, one, "%"), 0, 100),
			rw(u16("app_mode", 0x3647, one, ""), 0, 3),
		},
	}
}

// SAJH2 returns the register map of the H2 series. It panics when the
// built-in table is inconsistent.
func SAJH2() *Map {
	m, err := NewMap(ModelH2, []types.RegisterBlock{
		inverterInfoBlock(),
		realtimeBlock(),
		additionalBlock(),
		energyBlock(),
		gridEnergyBlock(),
		settingsBlock(),
	}, DeriveStatus)
	if err != nil {
		panic(fmt.Sprintf("invalid built-in register map: %v", err))
	}
	return m
}
