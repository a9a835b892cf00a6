package payload

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestEncode_Golden(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		deviceID   string
		index      uint
		celsius    float64
		fahrenheit float64
		want       string
	}{
		{
			name:     "normal reading",
			deviceID: "a1b2c3d4e5f6", index: 0, celsius: 21.5, fahrenheit: 70.7,
			want: `{"device_id":"a1b2c3d4e5f6","sensor_id":0,"celsius":21.5,"fahrenheit":70.7}`,
		},
		{
			name:     "driver sentinel",
			deviceID: "a1b2c3d4e5f6", index: 1, celsius: -127.0, fahrenheit: -196.6,
			want: `{"device_id":"a1b2c3d4e5f6","sensor_id":1,"celsius":-127.0,"fahrenheit":-196.6}`,
		},
		{
			name:     "whole numbers keep a fractional digit",
			deviceID: "ff", index: 12, celsius: 0, fahrenheit: 32,
			want: `{"device_id":"ff","sensor_id":12,"celsius":0.0,"fahrenheit":32.0}`,
		},
		{
			name:     "float64 noise trimmed to float32",
			deviceID: "ff", index: 3, celsius: 21.5, fahrenheit: 21.5*1.8 + 32,
			want: `{"device_id":"ff","sensor_id":3,"celsius":21.5,"fahrenheit":70.7}`,
		},
		{
			name:     "sixteenth degree resolution",
			deviceID: "ff", index: 4, celsius: 23.0625, fahrenheit: 73.5125,
			want: `{"device_id":"ff","sensor_id":4,"celsius":23.0625,"fahrenheit":73.5125}`,
		},
		{
			name:     "non-finite values become null",
			deviceID: "ff", index: 5, celsius: math.NaN(), fahrenheit: math.Inf(-1),
			want: `{"device_id":"ff","sensor_id":5,"celsius":null,"fahrenheit":null}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Encode(tt.deviceID, tt.index, tt.celsius, tt.fahrenheit)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Encode() = %s\nwant       %s", got, tt.want)
			}
		})
	}
}

func TestEncode_Pure(t *testing.T) {
	t.Parallel()

	first, err := Encode("a1b2c3d4e5f6", 7, -3.25, 26.15)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	for i := 0; i < 100; i++ {
		again, err := Encode("a1b2c3d4e5f6", 7, -3.25, 26.15)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("Encode() not deterministic: %s vs %s", first, again)
		}
	}
}

func TestEncode_SingleLine(t *testing.T) {
	t.Parallel()

	got, err := Encode("a1b2c3d4e5f6", 0, 1, 2)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if bytes.ContainsAny(got, "\r\n") {
		t.Errorf("Encode() = %q contains a line break", got)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	for c := -55.0; c <= 125.0; c += 0.0625 * 37 {
		f := c*1.8 + 32
		for _, idx := range []uint{0, 1, 63} {
			data, err := Encode("a1b2c3d4e5f6", idx, c, f)
			if err != nil {
				t.Fatalf("Encode(%v) error = %v", c, err)
			}
			p, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode(%s) error = %v", data, err)
			}
			if p.DeviceID != "a1b2c3d4e5f6" || p.SensorID != idx {
				t.Errorf("Decode(%s) ids = (%q, %d)", data, p.DeviceID, p.SensorID)
			}
			if float32(p.Celsius) != float32(c) {
				t.Errorf("celsius round trip: got %v, want %v", float32(p.Celsius), float32(c))
			}
			if float32(p.Fahrenheit) != float32(f) {
				t.Errorf("fahrenheit round trip: got %v, want %v", float32(p.Fahrenheit), float32(f))
			}
		}
	}
}

func TestDecode_Null(t *testing.T) {
	t.Parallel()

	p, err := Decode([]byte(`{"device_id":"ab","sensor_id":2,"celsius":null,"fahrenheit":null}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !math.IsNaN(float64(p.Celsius)) || !math.IsNaN(float64(p.Fahrenheit)) {
		t.Errorf("Decode() = %+v, want NaN temperatures", p)
	}
}

func TestDecode_MissingField(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`{"device_id":"ab","sensor_id":2,"celsius":1.0}`))
	if !errors.Is(err, ErrFields) {
		t.Fatalf("Decode() error = %v, want ErrFields", err)
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte(`{"device_id":`)); err == nil {
		t.Fatal("Decode() of truncated record should error")
	}
	if _, err := Decode([]byte(`{"device_id":"ab","sensor_id":2,"celsius":"hot","fahrenheit":1.0}`)); err == nil {
		t.Fatal("Decode() of string temperature should error")
	}
}
