package sensor

import (
	"fmt"
	"strings"
)

// Kind is the category of a sensor reading.
type Kind string

// Known sensor kinds.
const (
	Voltage     Kind = "Voltage"
	Clock       Kind = "Clock"
	Temperature Kind = "Temperature"
	Load        Kind = "Load"
	Fan         Kind = "Fan"
	Flow        Kind = "Flow"
	Control     Kind = "Control"
	Level       Kind = "Level"
	Factor      Kind = "Factor"
	Power       Kind = "Power"
	Data        Kind = "Data"
	SmallData   Kind = "SmallData"
)

// Kinds lists every known kind in a stable order.
var Kinds = []Kind{
	Voltage, Clock, Temperature, Load, Fan, Flow,
	Control, Level, Factor, Power, Data, SmallData,
}

// DefaultKinds are the kinds published when none are configured.
var DefaultKinds = []Kind{Temperature, Power, Load}

// ParseKind converts a case-insensitive name to a [Kind].
func ParseKind(s string) (Kind, error) {
	want := strings.TrimSpace(s)
	for _, k := range Kinds {
		if strings.EqualFold(string(k), want) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown sensor kind %q", s)
}

// Lower returns the lowercase kind name used in topics and ids.
func (k Kind) Lower() string {
	return strings.ToLower(string(k))
}

// Meta describes how a kind is presented to a discovery consumer.
// Unit and DeviceClass are empty when the consumer has no matching
// concept.
type Meta struct {
	Unit        string
	DeviceClass string
	Precision   int
}

var kindMeta = map[Kind]Meta{
	Voltage:     {Unit: "V", DeviceClass: "voltage", Precision: 2},
	Clock:       {Unit: "MHz", DeviceClass: "frequency", Precision: 0},
	Temperature: {Unit: "°C", DeviceClass: "temperature", Precision: 1},
	Load:        {Unit: "%", Precision: 1},
	Fan:         {Unit: "RPM", Precision: 0},
	Flow:        {Unit: "L/h", Precision: 1},
	Control:     {Unit: "%", Precision: 1},
	Level:       {Unit: "%", Precision: 1},
	Factor:      {Precision: 2},
	Power:       {Unit: "W", DeviceClass: "power", Precision: 1},
	Data:        {Unit: "GB", DeviceClass: "data_size", Precision: 2},
	SmallData:   {Unit: "MB", DeviceClass: "data_size", Precision: 1},
}

// Meta returns presentation metadata for k. Unknown kinds get a zero
// Meta.
func (k Kind) Meta() Meta {
	return kindMeta[k]
}
