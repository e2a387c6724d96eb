package tickwire

import (
	"bytes"
	"encoding/json"
	"testing"
)

// TestJSONCodecRoundTrip checks that a struct value survives the codec
// unchanged.
func TestJSONCodecRoundTrip(t *testing.T) {
	t.Parallel()

	codec := JSONCodec[Vec2]{}
	in := Vec2{X: 12.5, Y: -3}

	data, err := codec.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %v, want %v", out, in)
	}
}

// TestJSONCodecDecodeError checks that malformed payloads surface as
// errors instead of zero values.
func TestJSONCodecDecodeError(t *testing.T) {
	t.Parallel()

	codec := JSONCodec[Vec2]{}
	if _, err := codec.Decode(json.RawMessage(`{"x":`)); err == nil {
		t.Error("Decode(malformed) error = nil, want error")
	}
}

// TestRawCodecPassthrough checks that raw payloads are not copied or
// rewritten on either side.
func TestRawCodecPassthrough(t *testing.T) {
	t.Parallel()

	codec := RawCodec{}
	payload := json.RawMessage(`{"a":[1,2,3]}`)

	enc, err := codec.Encode(payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(enc, payload) {
		t.Errorf("Encode = %s, want %s", enc, payload)
	}

	dec, err := codec.Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(dec, payload) {
		t.Errorf("Decode = %s, want %s", dec, payload)
	}
}

// TestModeString checks the log names of the interpolation modes.
func TestModeString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode Mode
		want string
	}{
		{PredictAcceptOptimistic, "predict"},
		{InterpolateOnly, "interpolate"},
		{Mode(42), "mode(42)"},
	}
	for _, tt := range tests {
		if got := tt.mode.String(); got != tt.want {
			t.Errorf("Mode(%d).String() = %q, want %q", int(tt.mode), got, tt.want)
		}
	}
}
