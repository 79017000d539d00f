package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fptr(f float64) *float64 { return &f }
func iptr(i int) *int         { return &i }

func temperatureRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(nil)
	require.NoError(t, r.Add(MessageSchema{
		Name:        "temperature",
		Version:     1,
		TopicFilter: "sensors/+/temperature",
		Mode:        ModeStrict,
		Fields: []FieldSchema{
			{
				Name:     "temperature",
				Type:     TypeFloat,
				Required: true,
				Constraints: Constraints{
					Min: fptr(-50),
					Max: fptr(150),
				},
			},
		},
	}))
	return r
}

func codes(errs []FieldError) []Code {
	out := make([]Code, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidateTemperatureRange(t *testing.T) {
	v := NewValidator(temperatureRegistry(t), ModeStrict)

	tests := []struct {
		name     string
		payload  string
		valid    bool
		wantCode Code
	}{
		{"in range", `{"temperature":23.5}`, true, ""},
		{"above max", `{"temperature":200}`, false, CodeOutOfRange},
		{"below min", `{"temperature":-80}`, false, CodeOutOfRange},
		{"missing required", `{}`, false, CodeMissingField},
		{"wrong type", `{"temperature":"hot"}`, false, CodeTypeMismatch},
		{"extra field", `{"temperature":20,"color":"red"}`, false, CodeUnknownField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate("sensors/room1/temperature", []byte(tt.payload))
			assert.Equal(t, tt.valid, res.Valid)
			assert.Equal(t, "temperature", res.SchemaName)
			if tt.wantCode != "" {
				require.NotEmpty(t, res.Errors)
				assert.Contains(t, codes(res.Errors), tt.wantCode)
			}
		})
	}
}

func TestValidateParseErrorRegardlessOfMode(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Add(MessageSchema{
		Name:        "anything",
		TopicFilter: "sensors/#",
		Mode:        ModeLenient,
	}))

	for _, mode := range []Mode{ModeStrict, ModeLenient} {
		v := NewValidator(r, mode)
		res := v.Validate("sensors/a", []byte("not json at all"))
		assert.False(t, res.Valid, "mode %s", mode)
		require.NotEmpty(t, res.Errors)
		assert.Equal(t, CodeParseError, res.Errors[0].Code)
	}

	// Non-object payloads are parse errors too.
	v := NewValidator(r, ModeLenient)
	res := v.Validate("sensors/a", []byte(`[1,2,3]`))
	assert.False(t, res.Valid)
	assert.Equal(t, CodeParseError, res.Errors[0].Code)
}

func TestValidateNoSchemaMatch(t *testing.T) {
	r := temperatureRegistry(t)

	strict := NewValidator(r, ModeStrict)
	res := strict.Validate("actuators/valve/state", []byte(`{"open":true}`))
	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, CodeNoSchemaMatch, res.Errors[0].Code)

	lenient := NewValidator(r, ModeLenient)
	res = lenient.Validate("actuators/valve/state", []byte(`{"open":true}`))
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
	assert.Equal(t, true, res.Payload["open"])
}

func TestLenientSchemaReportsButAccepts(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Add(MessageSchema{
		Name:        "humidity",
		TopicFilter: "sensors/+/humidity",
		Mode:        ModeLenient,
		Fields: []FieldSchema{
			{Name: "humidity", Type: TypeFloat, Required: true,
				Constraints: Constraints{Min: fptr(0), Max: fptr(100)}},
		},
	}))

	v := NewValidator(r, ModeLenient)
	res := v.Validate("sensors/room1/humidity", []byte(`{"humidity":120}`))
	assert.True(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, CodeOutOfRange, res.Errors[0].Code)
}

func TestAutoFillSkipsMissingCheck(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Add(MessageSchema{
		Name:        "reading",
		TopicFilter: "sensors/#",
		Mode:        ModeStrict,
		Fields: []FieldSchema{
			{Name: "value", Type: TypeFloat, Required: true},
			{Name: "timestamp", Type: TypeTimestamp, Required: true, AutoFill: true},
		},
	}))

	v := NewValidator(r, ModeStrict)
	res := v.Validate("sensors/a", []byte(`{"value":1.5}`))
	assert.True(t, res.Valid)
}

func TestStringConstraints(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Add(MessageSchema{
		Name:        "device",
		TopicFilter: "devices/+",
		Mode:        ModeStrict,
		Fields: []FieldSchema{
			{
				Name: "id",
				Type: TypeString,
				Constraints: Constraints{
					MinLength: iptr(3),
					MaxLength: iptr(8),
					Pattern:   `^dev-\d+$`,
				},
			},
			{
				Name:        "state",
				Type:        TypeString,
				Constraints: Constraints{Enum: []any{"on", "off"}},
			},
		},
	}))

	v := NewValidator(r, ModeStrict)

	res := v.Validate("devices/a", []byte(`{"id":"dev-42","state":"on"}`))
	assert.True(t, res.Valid)

	res = v.Validate("devices/a", []byte(`{"id":"x"}`))
	got := codes(res.Errors)
	assert.Contains(t, got, CodeTooShort)
	assert.Contains(t, got, CodePatternMismatch)

	res = v.Validate("devices/a", []byte(`{"id":"dev-12345678"}`))
	assert.Contains(t, codes(res.Errors), CodeTooLong)

	res = v.Validate("devices/a", []byte(`{"state":"blinking"}`))
	assert.Contains(t, codes(res.Errors), CodeNotInEnum)
}

func TestIntegerTypeChecking(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Add(MessageSchema{
		Name:        "counter",
		TopicFilter: "counters/+",
		Mode:        ModeStrict,
		Fields: []FieldSchema{
			{Name: "count", Type: TypeInteger},
		},
	}))

	v := NewValidator(r, ModeStrict)

	assert.True(t, v.Validate("counters/a", []byte(`{"count":42}`)).Valid)
	assert.False(t, v.Validate("counters/a", []byte(`{"count":42.5}`)).Valid)
	assert.False(t, v.Validate("counters/a", []byte(`{"count":"42"}`)).Valid)
}

func TestNumericEnumMembership(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Add(MessageSchema{
		Name:        "qos",
		TopicFilter: "meta/+",
		Mode:        ModeStrict,
		Fields: []FieldSchema{
			{Name: "level", Type: TypeInteger, Constraints: Constraints{Enum: []any{0, 1, 2}}},
		},
	}))

	v := NewValidator(r, ModeStrict)
	assert.True(t, v.Validate("meta/a", []byte(`{"level":1}`)).Valid)
	assert.False(t, v.Validate("meta/a", []byte(`{"level":3}`)).Valid)
}

func TestValidateIsIdempotent(t *testing.T) {
	v := NewValidator(temperatureRegistry(t), ModeStrict)
	payload := []byte(`{"temperature":200}`)

	first := v.Validate("sensors/room1/temperature", payload)
	second := v.Validate("sensors/room1/temperature", payload)

	assert.Equal(t, first.Valid, second.Valid)
	assert.Equal(t, codes(first.Errors), codes(second.Errors))
	assert.Equal(t, first.Payload, second.Payload)
}
