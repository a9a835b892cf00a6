// Package payload encodes sensor readings into the JSON record published
// to the broker:
//
//	{"device_id":"<hex>","sensor_id":<int>,"celsius":<float>,"fahrenheit":<float>}
//
// Field order is fixed and is the compatibility contract for downstream
// consumers. Temperatures are rendered as the shortest decimal that
// round-trips a 32-bit float, always with a fractional digit, so the
// driver sentinel -127 appears as -127.0. Non-finite values are rendered
// as null.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrFields is returned by [Decode] when a record is missing one of its
// four fields.
var ErrFields = errors.New("payload: missing field")

// Temperature is a float rendered at 32-bit precision on the wire.
type Temperature float64

// MarshalJSON renders t as the shortest float32 decimal with at least one
// fractional digit, or null when t is NaN or infinite.
func (t Temperature) MarshalJSON() ([]byte, error) {
	f := float64(t)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	s := strconv.FormatFloat(f, 'f', -1, 32)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return []byte(s), nil
}

// UnmarshalJSON parses a number at 32-bit precision. null decodes to NaN.
func (t *Temperature) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		*t = Temperature(math.NaN())
		return nil
	}
	f, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return fmt.Errorf("payload: temperature %q: %w", s, err)
	}
	*t = Temperature(f)
	return nil
}

// Payload is one published record. Struct field order is the wire order.
type Payload struct {
	DeviceID   string      `json:"device_id"`
	SensorID   uint        `json:"sensor_id"`
	Celsius    Temperature `json:"celsius"`
	Fahrenheit Temperature `json:"fahrenheit"`
}

// New builds the record for one reading.
func New(deviceID string, index uint, celsius, fahrenheit float64) Payload {
	return Payload{
		DeviceID:   deviceID,
		SensorID:   index,
		Celsius:    Temperature(celsius),
		Fahrenheit: Temperature(fahrenheit),
	}
}

// Marshal returns the single-line wire form of p.
func (p Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// Encode is shorthand for New followed by Marshal. It is a pure function
// of its inputs.
func Encode(deviceID string, index uint, celsius, fahrenheit float64) ([]byte, error) {
	return New(deviceID, index, celsius, fahrenheit).Marshal()
}

// Decode parses a wire record back into a Payload. All four fields must
// be present; a null temperature decodes to NaN.
func Decode(data []byte) (Payload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Payload{}, fmt.Errorf("payload: decode: %w", err)
	}

	var missing []string
	for _, name := range []string{"device_id", "sensor_id", "celsius", "fahrenheit"} {
		if _, ok := fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Payload{}, fmt.Errorf("%w: %s", ErrFields, strings.Join(missing, ", "))
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("payload: decode: %w", err)
	}
	return p, nil
}
