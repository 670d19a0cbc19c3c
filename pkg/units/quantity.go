package units

import (
	"fmt"
	"strconv"
)

// Quantity is a scalar with a unit.
type Quantity struct {
	Value float64
	Unit  Unit
}

// Q builds a Quantity from a unit symbol and panics on an unknown one.
func Q(v float64, unit string) Quantity {
	return Quantity{Value: v, Unit: MustParse(unit)}
}

func (q Quantity) String() string {
	return strconv.FormatFloat(q.Value, 'g', -1, 64) + " " + q.Unit.String()
}

// In converts q to another unit of the same dimension.
func (q Quantity) In(target Unit) (Quantity, error) {
	v, err := q.Unit.Convert(q.Value, target)
	if err != nil {
		return Quantity{}, err
	}
	return Quantity{Value: v, Unit: target}, nil
}

// Add sums two quantities in q's unit.
func (q Quantity) Add(o Quantity) (Quantity, error) {
	v, err := o.Unit.Convert(o.Value, q.Unit)
	if err != nil {
		return Quantity{}, err
	}
	return Quantity{Value: q.Value + v, Unit: q.Unit}, nil
}

// Equal compares numerically after conversion to q's unit.
func (q Quantity) Equal(o Quantity) bool {
	v, err := o.Unit.Convert(o.Value, q.Unit)
	return err == nil && v == q.Value
}

// QuantityArray is a bulk numeric payload with one unit. Shape is nil for a
// one-dimensional array; otherwise its product equals len(Values).
type QuantityArray struct {
	Values []float64
	Shape  []int
	Unit   Unit
}

// A builds a one-dimensional QuantityArray.
func A(unit string, values ...float64) *QuantityArray {
	return &QuantityArray{Values: values, Unit: MustParse(unit)}
}

func (a *QuantityArray) Len() int {
	if a == nil {
		return 0
	}
	return len(a.Values)
}

// Dims returns the effective shape.
func (a *QuantityArray) Dims() []int {
	if len(a.Shape) == 0 {
		return []int{len(a.Values)}
	}
	return a.Shape
}

// Offset adds q to every element, converting q to the array unit.
func (a *QuantityArray) Offset(q Quantity) error {
	v, err := q.Unit.Convert(q.Value, a.Unit)
	if err != nil {
		return err
	}
	for i := range a.Values {
		a.Values[i] += v
	}
	return nil
}

// At returns element i as a Quantity.
func (a *QuantityArray) At(i int) Quantity {
	return Quantity{Value: a.Values[i], Unit: a.Unit}
}

func (a *QuantityArray) String() string {
	return fmt.Sprintf("%v %s", a.Dims(), a.Unit)
}
