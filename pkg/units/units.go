// Package units keeps the closed table of unit strings the service accepts and
// the value types that pair numbers with them.
package units

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var ErrUnknownUnit = errors.New("units: unknown unit")

// Unit is an index into the closed unit table. The zero value is Dimensionless.
type Unit uint8

const (
	Dimensionless Unit = iota
	Second
	Millisecond
	Microsecond
	Minute
	Hour
	Hertz
	Kilohertz
	Megahertz
	Volt
	Millivolt
	Microvolt
	Nanovolt
	Ampere
	Milliampere
	Microampere
	Nanoampere
	Picoampere
	Meter
	Centimeter
	Millimeter
	Micrometer
	Degree
	Radian
	CandelaPerSquareMeter
	Percent
	unitCount
)

// Dimension groups units that can be converted into each other.
type Dimension uint8

const (
	DimNone Dimension = iota
	DimTime
	DimFrequency
	DimVoltage
	DimCurrent
	DimLength
	DimAngle
	DimLuminance
)

type unitInfo struct {
	symbol  string
	dim     Dimension
	factor  float64 // multiplier to the dimension's base unit
	aliases []string
}

var table = [unitCount]unitInfo{
	Dimensionless:         {"dimensionless", DimNone, 1, []string{""}},
	Second:                {"s", DimTime, 1, []string{"sec"}},
	Millisecond:           {"ms", DimTime, 1e-3, nil},
	Microsecond:           {"µs", DimTime, 1e-6, []string{"us"}},
	Minute:                {"min", DimTime, 60, nil},
	Hour:                  {"h", DimTime, 3600, nil},
	Hertz:                 {"Hz", DimFrequency, 1, []string{"hz"}},
	Kilohertz:             {"kHz", DimFrequency, 1e3, []string{"khz"}},
	Megahertz:             {"MHz", DimFrequency, 1e6, nil},
	Volt:                  {"V", DimVoltage, 1, nil},
	Millivolt:             {"mV", DimVoltage, 1e-3, nil},
	Microvolt:             {"µV", DimVoltage, 1e-6, []string{"uV"}},
	Nanovolt:              {"nV", DimVoltage, 1e-9, nil},
	Ampere:                {"A", DimCurrent, 1, nil},
	Milliampere:           {"mA", DimCurrent, 1e-3, nil},
	Microampere:           {"µA", DimCurrent, 1e-6, []string{"uA"}},
	Nanoampere:            {"nA", DimCurrent, 1e-9, nil},
	Picoampere:            {"pA", DimCurrent, 1e-12, nil},
	Meter:                 {"m", DimLength, 1, nil},
	Centimeter:            {"cm", DimLength, 1e-2, nil},
	Millimeter:            {"mm", DimLength, 1e-3, nil},
	Micrometer:            {"µm", DimLength, 1e-6, []string{"um"}},
	Degree:                {"deg", DimAngle, math.Pi / 180, []string{"degree"}},
	Radian:                {"rad", DimAngle, 1, nil},
	CandelaPerSquareMeter: {"cd/m²", DimLuminance, 1, []string{"cd/m2", "cd/m^2"}},
	Percent:               {"%", DimNone, 1e-2, []string{"percent"}},
}

var bySymbol = func() map[string]Unit {
	m := make(map[string]Unit, len(table)*2)
	for i, info := range table {
		m[info.symbol] = Unit(i)
		for _, a := range info.aliases {
			m[a] = Unit(i)
		}
	}
	return m
}()

// Parse resolves a unit string at the boundary. Surrounding whitespace is ignored.
func Parse(s string) (Unit, error) {
	u, ok := bySymbol[strings.TrimSpace(s)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, s)
	}
	return u, nil
}

// MustParse is Parse for literals in code and tests.
func MustParse(s string) Unit {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Valid reports whether s is in the table.
func Valid(s string) bool {
	_, ok := bySymbol[strings.TrimSpace(s)]
	return ok
}

// String is the canonical wire symbol.
func (u Unit) String() string {
	if u >= unitCount {
		return fmt.Sprintf("Unit(%d)", uint8(u))
	}
	return table[u].symbol
}

func (u Unit) Dimension() Dimension {
	if u >= unitCount {
		return DimNone
	}
	return table[u].dim
}

// Convert rescales v from u to target. Units of different dimensions do not
// convert.
func (u Unit) Convert(v float64, target Unit) (float64, error) {
	if u == target {
		return v, nil
	}
	if u.Dimension() != target.Dimension() || u >= unitCount || target >= unitCount {
		return 0, fmt.Errorf("units: cannot convert %s to %s", u, target)
	}
	return v * table[u].factor / table[target].factor, nil
}
