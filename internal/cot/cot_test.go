package cot

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trakbridge/trakbridge/internal/model"
)

func samplePosition() model.Position {
	return model.Position{
		UID:       "d1",
		Name:      "Alpha-1",
		Lat:       40.12345678,
		Lon:       -74.98765432,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestBuild_WireFormat(t *testing.T) {
	p := samplePosition()
	ev, err := Build(p, BuildOptions{Type: "a-f-G", StaleSeconds: 120})
	require.NoError(t, err)

	xml := string(ev.XML)
	assert.True(t, strings.HasPrefix(xml, `<event version="2.0" uid="d1" type="a-f-G" how="m-g"`))
	assert.Contains(t, xml, `time="2026-01-02T03:04:05Z"`)
	assert.Contains(t, xml, `start="2026-01-02T03:04:05Z"`)
	assert.Contains(t, xml, `stale="2026-01-02T03:06:05Z"`)
	assert.Contains(t, xml, `lat="40.12345678"`)
	assert.Contains(t, xml, `lon="-74.98765432"`)
	assert.Contains(t, xml, `hae="0.00"`)
	assert.Contains(t, xml, `ce="9999999.0"`)
	assert.Contains(t, xml, `<contact callsign="Alpha-1"/>`)
	assert.NotContains(t, xml, "<?xml")
	assert.False(t, strings.Contains(xml, "\n"))
}

func TestBuild_TrackElementOnlyWhenPresent(t *testing.T) {
	p := samplePosition()
	ev, err := Build(p, BuildOptions{Type: "a-f-G", StaleSeconds: 60})
	require.NoError(t, err)
	assert.NotContains(t, string(ev.XML), "<track")

	speed := 3.5
	course := 90.0
	p.SpeedMPS = &speed
	p.CourseDeg = &course
	ev, err = Build(p, BuildOptions{Type: "a-f-G", StaleSeconds: 60})
	require.NoError(t, err)
	assert.Contains(t, string(ev.XML), `<track speed="3.50" course="90.00"/>`)
}

func TestBuild_TeamMember(t *testing.T) {
	p := samplePosition()
	ev, err := Build(p, BuildOptions{
		Type:         "a-f-G-U-C-I",
		StaleSeconds: 60,
		TeamMember:   &TeamMember{Color: "Cyan", Role: "Team Member"},
	})
	require.NoError(t, err)
	assert.Contains(t, string(ev.XML), `<__group name="Cyan" role="Team Member"/>`)
}

func TestBuild_RejectsInvalidPosition(t *testing.T) {
	p := samplePosition()
	p.Lat = 9999
	_, err := Build(p, BuildOptions{Type: "a-f-G"})
	assert.Error(t, err)
}

func TestBuild_RequiresType(t *testing.T) {
	p := samplePosition()
	_, err := Build(p, BuildOptions{})
	assert.Error(t, err)
}

func TestRoundTrip_UIDAndTime(t *testing.T) {
	p := samplePosition()
	ev, err := Build(p, BuildOptions{Type: "a-f-G", StaleSeconds: 60})
	require.NoError(t, err)

	uid, eventTime, err := ExtractUIDAndTime(ev.XML)
	require.NoError(t, err)
	assert.Equal(t, p.UID, uid)
	assert.Equal(t, p.Timestamp.Truncate(time.Second), eventTime.Truncate(time.Second))
}

func TestEscape_AttributesAndText(t *testing.T) {
	p := samplePosition()
	p.Name = `Unit "A" <Bravo>`
	p.Description = "x & y"
	ev, err := Build(p, BuildOptions{Type: "a-f-G", StaleSeconds: 60})
	require.NoError(t, err)
	xml := string(ev.XML)
	assert.Contains(t, xml, `callsign="Unit &quot;A&quot; &lt;Bravo&gt;"`)
	assert.Contains(t, xml, `<remarks>x &amp; y</remarks>`)
}
