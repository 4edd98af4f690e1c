package obd

import (
	"fmt"
	"strconv"
	"strings"
)

// SupportedBanks are the query PIDs of the "PIDs supported" windows, each
// describing the 32 codes that follow it.
var SupportedBanks = []PidCode{0x00, 0x20, 0x40, 0x60, 0x80, 0xA0, 0xC0}

// Decoders returns the compiled-in decoders in registration order.
func Decoders() []Decoder {
	decoders := make([]Decoder, 0, len(SupportedBanks)+len(scalars)+len(enums))
	for _, base := range SupportedBanks {
		decoders = append(decoders, SupportedPIDs{Base: base})
	}
	for _, s := range scalars {
		decoders = append(decoders, s)
	}
	for _, e := range enums {
		decoders = append(decoders, e)
	}
	return decoders
}

// PIDList is the value of a "PIDs supported" reply.
type PIDList []PidCode

func (l PIDList) String() string {
	parts := make([]string, len(l))
	for i, c := range l {
		parts[i] = strconv.Itoa(int(c))
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// SupportedPIDs decodes the 32-bit bitmask answering a bank query. The most
// significant bit of the first byte stands for Base+1.
type SupportedPIDs struct {
	Base PidCode
}

func (s SupportedPIDs) PID() PidCode { return s.Base }

func (s SupportedPIDs) Name() string {
	return fmt.Sprintf("PidsSupported%02X_%02X", int(s.Base)+1, int(s.Base)+0x20)
}

func (s SupportedPIDs) Decode(data []byte) (Value, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%s: %w: got %d bytes, want 4", s.Name(), ErrShortData, len(data))
	}
	var pids PIDList
	for i := 0; i < 32; i++ {
		if data[i/8]&(0x80>>(i%8)) != 0 {
			pids = append(pids, PidCode(int(s.Base)+1+i))
		}
	}
	return pids, nil
}

// Measurement is a numeric reading with its unit.
type Measurement struct {
	Value     float64
	Unit      string
	Precision int
}

func (m Measurement) String() string {
	v := strconv.FormatFloat(m.Value, 'f', m.Precision, 64)
	if m.Unit == "" {
		return v
	}
	return v + " " + m.Unit
}

type scalar struct {
	pid       PidCode
	name      string
	unit      string
	size      int
	precision int
	formula   func(d []byte) float64
}

func (s scalar) PID() PidCode { return s.pid }
func (s scalar) Name() string { return s.name }

func (s scalar) Decode(data []byte) (Value, error) {
	if len(data) < s.size {
		return nil, fmt.Errorf("%s: %w: got %d bytes, want %d", s.name, ErrShortData, len(data), s.size)
	}
	return Measurement{Value: s.formula(data), Unit: s.unit, Precision: s.precision}, nil
}

func word(d []byte) float64     { return float64(uint16(d[0])<<8 | uint16(d[1])) }
func percent(d []byte) float64  { return float64(d[0]) * 100 / 255 }
func celsius(d []byte) float64  { return float64(d[0]) - 40 }
func fuelTrim(d []byte) float64 { return float64(d[0])*100/128 - 100 }

var scalars = []scalar{
	{0x04, "CalculatedEngineLoad", "%", 1, 1, percent},
	{0x05, "EngineCoolantTemperature", "°C", 1, 0, celsius},
	{0x06, "ShortTermFuelTrimBank1", "%", 1, 1, fuelTrim},
	{0x07, "LongTermFuelTrimBank1", "%", 1, 1, fuelTrim},
	{0x08, "ShortTermFuelTrimBank2", "%", 1, 1, fuelTrim},
	{0x09, "LongTermFuelTrimBank2", "%", 1, 1, fuelTrim},
	{0x0A, "FuelPressure", "kPa", 1, 0, func(d []byte) float64 { return 3 * float64(d[0]) }},
	{0x0B, "IntakeManifoldAbsolutePressure", "kPa", 1, 0, func(d []byte) float64 { return float64(d[0]) }},
	{0x0C, "EngineRPM", "rpm", 2, 0, func(d []byte) float64 { return word(d) / 4 }},
	{0x0D, "VehicleSpeed", "km/h", 1, 0, func(d []byte) float64 { return float64(d[0]) }},
	{0x0E, "TimingAdvance", "°", 1, 1, func(d []byte) float64 { return float64(d[0])/2 - 64 }},
	{0x0F, "IntakeAirTemperature", "°C", 1, 0, celsius},
	{0x10, "MAFAirFlowRate", "g/s", 2, 2, func(d []byte) float64 { return word(d) / 100 }},
	{0x11, "ThrottlePosition", "%", 1, 1, percent},
	{0x1F, "RunTimeSinceEngineStart", "s", 2, 0, word},
	{0x21, "DistanceTraveledWithMILOn", "km", 2, 0, word},
	{0x2F, "FuelTankLevelInput", "%", 1, 1, percent},
	{0x30, "WarmUpsSinceCodesCleared", "", 1, 0, func(d []byte) float64 { return float64(d[0]) }},
	{0x31, "DistanceTraveledSinceCodesCleared", "km", 2, 0, word},
	{0x33, "AbsoluteBarometricPressure", "kPa", 1, 0, func(d []byte) float64 { return float64(d[0]) }},
	{0x42, "ControlModuleVoltage", "V", 2, 3, func(d []byte) float64 { return word(d) / 1000 }},
	{0x46, "AmbientAirTemperature", "°C", 1, 0, celsius},
	{0x5C, "EngineOilTemperature", "°C", 1, 0, celsius},
	{0x5E, "EngineFuelRate", "L/h", 2, 2, func(d []byte) float64 { return word(d) / 20 }},
}

// Text is an enumerated reading.
type Text string

func (t Text) String() string { return string(t) }

type enum struct {
	pid    PidCode
	name   string
	labels map[byte]string
}

func (e enum) PID() PidCode { return e.pid }
func (e enum) Name() string { return e.name }

func (e enum) Decode(data []byte) (Value, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%s: %w: got 0 bytes, want 1", e.name, ErrShortData)
	}
	if label, ok := e.labels[data[0]]; ok {
		return Text(label), nil
	}
	return Text(fmt.Sprintf("unknown (%d)", data[0])), nil
}

var enums = []enum{
	{0x1C, "OBDStandard", map[byte]string{
		1:  "OBD-II as defined by the CARB",
		2:  "OBD as defined by the EPA",
		3:  "OBD and OBD-II",
		4:  "OBD-I",
		5:  "Not OBD compliant",
		6:  "EOBD (Europe)",
		7:  "EOBD and OBD-II",
		8:  "EOBD and OBD",
		9:  "EOBD, OBD and OBD II",
		10: "JOBD (Japan)",
		11: "JOBD and OBD II",
		12: "JOBD and EOBD",
		13: "JOBD, EOBD, and OBD II",
	}},
	{0x51, "FuelType", map[byte]string{
		0: "Not available",
		1: "Gasoline",
		2: "Methanol",
		3: "Ethanol",
		4: "Diesel",
		5: "LPG",
		6: "CNG",
		7: "Propane",
		8: "Electric",
	}},
}
