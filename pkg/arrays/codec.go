package arrays

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// DefaultName is the canonical dataset name written by this package.
const DefaultName = "data"

var (
	ErrBadContainer = errors.New("arrays: not an array container")
	ErrEmpty        = errors.New("arrays: container holds no dataset")
)

var magic = [4]byte{'N', 'D', 'A', '1'}

const dtypeFloat64 uint8 = 1

// Dataset is one named n-dimensional float64 array. Shape nil means one
// dimension of len(Values).
type Dataset struct {
	Name   string
	Values []float64
	Shape  []int
}

// Dims returns the effective shape.
func (d Dataset) Dims() []int {
	if len(d.Shape) == 0 {
		return []int{len(d.Values)}
	}
	return d.Shape
}

// Equal compares shape and elements.
func (d Dataset) Equal(o Dataset) bool {
	a, b := d.Dims(), o.Dims()
	if len(a) != len(b) || len(d.Values) != len(o.Values) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	for i := range d.Values {
		if d.Values[i] != o.Values[i] {
			return false
		}
	}
	return true
}

// Encode writes a single-dataset container.
func Encode(w io.Writer, sets ...Dataset) error {
	var buf bytes.Buffer
	buf.Write(magic[:])
	binary.Write(&buf, binary.LittleEndian, uint32(len(sets)))
	for _, d := range sets {
		name := d.Name
		if name == "" {
			name = DefaultName
		}
		dims := d.Dims()
		n := 1
		for _, x := range dims {
			n *= x
		}
		if n != len(d.Values) {
			return fmt.Errorf("arrays: shape %v does not hold %d values", dims, len(d.Values))
		}
		binary.Write(&buf, binary.LittleEndian, uint16(len(name)))
		buf.WriteString(name)
		buf.WriteByte(dtypeFloat64)
		buf.WriteByte(uint8(len(dims)))
		for _, x := range dims {
			binary.Write(&buf, binary.LittleEndian, uint64(x))
		}
		var word [8]byte
		for _, v := range d.Values {
			binary.LittleEndian.PutUint64(word[:], math.Float64bits(v))
			buf.Write(word[:])
		}
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Marshal is Encode into a byte slice.
func Marshal(sets ...Dataset) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, sets...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeAll reads every dataset of a container.
func DecodeAll(data []byte) ([]Dataset, error) {
	r := bytes.NewReader(data)
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil || head != magic {
		return nil, ErrBadContainer
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadContainer, err)
	}
	sets := make([]Dataset, 0, count)
	for i := uint32(0); i < count; i++ {
		d, err := decodeOne(r)
		if err != nil {
			return nil, fmt.Errorf("%w: dataset %d: %v", ErrBadContainer, i, err)
		}
		sets = append(sets, d)
	}
	return sets, nil
}

// Decode returns the first dataset of a container.
func Decode(data []byte) (Dataset, error) {
	sets, err := DecodeAll(data)
	if err != nil {
		return Dataset{}, err
	}
	if len(sets) == 0 {
		return Dataset{}, ErrEmpty
	}
	return sets[0], nil
}

func decodeOne(r *bytes.Reader) (Dataset, error) {
	var nameLen uint16
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return Dataset{}, err
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return Dataset{}, err
	}
	dtype, err := r.ReadByte()
	if err != nil {
		return Dataset{}, err
	}
	if dtype != dtypeFloat64 {
		return Dataset{}, fmt.Errorf("unsupported dtype %d", dtype)
	}
	ndim, err := r.ReadByte()
	if err != nil {
		return Dataset{}, err
	}
	shape := make([]int, ndim)
	n := uint64(1)
	for i := range shape {
		var x uint64
		if err := binary.Read(r, binary.LittleEndian, &x); err != nil {
			return Dataset{}, err
		}
		// the payload follows the shape, so no product may exceed what is left
		if x > math.MaxInt32 || (x != 0 && n > uint64(r.Len()/8)/x) {
			return Dataset{}, fmt.Errorf("dimension %d of size %d exceeds %d payload bytes", i, x, r.Len())
		}
		shape[i] = int(x)
		n *= x
	}
	if n*8 > uint64(r.Len()) {
		return Dataset{}, fmt.Errorf("payload of %d values exceeds %d bytes", n, r.Len())
	}
	values := make([]float64, n)
	var word [8]byte
	for i := range values {
		if _, err := io.ReadFull(r, word[:]); err != nil {
			return Dataset{}, err
		}
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(word[:]))
	}
	d := Dataset{Name: string(name), Values: values}
	if ndim != 1 {
		d.Shape = shape
	}
	return d, nil
}
