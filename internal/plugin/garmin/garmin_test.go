package garmin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trakbridge/trakbridge/internal/model"
)

func TestParseVelocity(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want float64
		nilv bool
	}{
		{"kmh", "32.6 km/h", 9.055555, false},
		{"mph", "20.0 mph", 8.9408, false},
		{"ms", "10.5 m/s", 10.5, false},
		{"kph_variant", "50 kph", 13.888888, false},
		{"no_unit_defaults_kmh", "36.0", 10.0, false},
		{"zero", "0.0 km/h", 0.0, false},
		{"none", "", 0, true},
		{"invalid", "not a number", 0, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := parseVelocity(c.raw)
			if c.nilv {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, c.want, *got, 0.001)
		})
	}
}

func TestParseCourse(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want float64
		nilv bool
	}{
		{"with_true", "315.00 ° True", 315.0, false},
		{"simple_degrees", "45.5°", 45.5, false},
		{"degrees_word", "180 degrees", 180.0, false},
		{"zero_north", "0.0 ° True", 0.0, false},
		{"360_normalizes_to_0", "360.0 ° True", 0.0, false},
		{"over_360_normalizes", "405.0°", 45.0, false},
		{"decimal_precision", "123.456 ° True", 123.456, false},
		{"empty", "", 0, true},
		{"invalid", "not a number", 0, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := parseCourse(c.raw)
			if c.nilv {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, c.want, *got, 0.001)
		})
	}
}

func TestApplyCallsignMapping_RenamesByIMEI(t *testing.T) {
	p := &Plugin{}
	positions := []model.Position{
		{
			UID:  "garmin-test-uid-123",
			Name: "Original Name",
			Extra: map[string]any{
				"imei": "123456789",
			},
		},
	}
	mapping := map[string]model.CallsignMapping{
		"123456789": {Callsign: "Alpha-1", Enabled: true},
	}

	out := p.ApplyCallsignMapping(positions, "imei", mapping)
	require.Len(t, out, 1)
	assert.Equal(t, "Alpha-1", out[0].Name)
}

func TestApplyCallsignMapping_DropsDisabled(t *testing.T) {
	p := &Plugin{}
	positions := []model.Position{
		{UID: "garmin-1", Name: "A", Extra: map[string]any{"imei": "111"}},
		{UID: "garmin-2", Name: "B", Extra: map[string]any{"imei": "222"}},
	}
	mapping := map[string]model.CallsignMapping{
		"111": {Callsign: "Alpha", Enabled: true},
		"222": {Callsign: "Bravo", Enabled: false},
	}
	out := p.ApplyCallsignMapping(positions, "imei", mapping)
	require.Len(t, out, 1)
	assert.Equal(t, "Alpha", out[0].Name)
}

func TestApplyCallsignMapping_UnmappedPassesThrough(t *testing.T) {
	p := &Plugin{}
	positions := []model.Position{
		{UID: "garmin-1", Name: "Original Name", Extra: map[string]any{}},
	}
	out := p.ApplyCallsignMapping(positions, "imei", map[string]model.CallsignMapping{"test": {Callsign: "mapped", Enabled: true}})
	require.Len(t, out, 1)
	assert.Equal(t, "Original Name", out[0].Name)
}
