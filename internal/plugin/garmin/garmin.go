// Package garmin implements the Provider Plug-in contract
// (internal/plugin) for Garmin inReach MapShare KML feeds, and is the
// reference implementation of the optional CallsignMapper capability.
//
// MapShare exposes each tracker as a KML Placemark whose ExtendedData
// carries an IMEI, a velocity string ("32.6 km/h", "20 mph", "10.5 m/s", a
// bare number defaulting to km/h), and a course string ("315.00 ° True").
package garmin

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/trakbridge/trakbridge/internal/callsign"
	"github.com/trakbridge/trakbridge/internal/model"
	"github.com/trakbridge/trakbridge/internal/plugin"
)

const pluginName = "garmin"

func init() {
	plugin.Default().Register(pluginName, func() plugin.Plugin { return &Plugin{} })
}

// Plugin fetches positions from a Garmin inReach MapShare KML feed.
type Plugin struct{}

var (
	_ plugin.Plugin         = (*Plugin)(nil)
	_ plugin.CallsignMapper = (*Plugin)(nil)
	_ plugin.FieldProvider  = (*Plugin)(nil)
)

func (p *Plugin) Name() string { return pluginName }

func (p *Plugin) Metadata() plugin.Metadata {
	return plugin.Metadata{
		DisplayName: "Garmin inReach (MapShare)",
		Category:    "satellite",
		ConfigFields: []plugin.ConfigField{
			{Name: "url", DisplayName: "MapShare URL", Type: "string", Required: true},
			{Name: "username", DisplayName: "Username", Type: "string"},
			{Name: "password", DisplayName: "Password", Type: "string", Sensitive: true},
		},
		HelpSections: []string{
			"Enable MapShare on the inReach account and use its public/shared KML URL.",
			"A username/password is only required if the MapShare page is password protected.",
		},
	}
}

func (p *Plugin) ValidateConfig(cfg map[string]any) plugin.ValidationResult {
	if s, _ := cfg["url"].(string); s == "" {
		return plugin.ValidationResult{OK: false, Warnings: []string{"missing required field \"url\""}}
	}
	return plugin.ValidationResult{OK: true}
}

func (p *Plugin) TestConnection(ctx context.Context, cfg map[string]any) plugin.ConnectionTestResult {
	client := &http.Client{Timeout: 15 * time.Second}
	placemarks, err := fetchKML(ctx, client, cfg)
	if err != nil {
		return plugin.ConnectionTestResult{Success: false, Error: err.Error()}
	}
	return plugin.ConnectionTestResult{Success: true, Details: map[string]any{"placemark_count": len(placemarks)}}
}

func (p *Plugin) AvailableFields() []plugin.FieldMeta {
	return []plugin.FieldMeta{
		{Name: "imei", DisplayName: "Device IMEI", Type: "string"},
		{Name: "name", DisplayName: "Device Name", Type: "string"},
		{Name: "uid", DisplayName: "Device UID", Type: "string"},
	}
}

// kmlDocument mirrors the small subset of a MapShare KML feed we consume.
type kmlDocument struct {
	Document struct {
		Placemarks []kmlPlacemark `xml:"Placemark"`
	} `xml:"Document"`
}

type kmlPlacemark struct {
	Name        string `xml:"name"`
	Description string `xml:"description"`
	Point       struct {
		Coordinates string `xml:"coordinates"`
	} `xml:"Point"`
	ExtendedData struct {
		Data []kmlData `xml:"Data"`
	} `xml:"ExtendedData"`
}

type kmlData struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

func (pm kmlPlacemark) extendedField(name string) string {
	for _, d := range pm.ExtendedData.Data {
		if strings.EqualFold(d.Name, name) {
			return d.Value
		}
	}
	return ""
}

func (p *Plugin) Fetch(ctx context.Context, session *http.Client, cfg map[string]any) ([]model.Position, error) {
	if session == nil {
		session = &http.Client{Timeout: 15 * time.Second}
	}
	placemarks, err := fetchKML(ctx, session, cfg)
	if err != nil {
		return nil, err
	}

	positions := make([]model.Position, 0, len(placemarks))
	for _, pm := range placemarks {
		lat, lon, ok := parseCoordinates(pm.Point.Coordinates)
		if !ok {
			continue
		}
		imei := pm.extendedField("IMEI")
		uid := imei
		if uid == "" {
			uid = pm.Name
		}
		if uid == "" {
			continue
		}

		speed := parseVelocity(pm.extendedField("Velocity"))
		course := parseCourse(pm.extendedField("Course"))

		positions = append(positions, model.Position{
			UID:         "garmin-" + uid,
			Name:        pm.Name,
			Lat:         lat,
			Lon:         lon,
			Timestamp:   time.Now().UTC(),
			SpeedMPS:    speed,
			CourseDeg:   course,
			Description: pm.Description,
			Extra: map[string]any{
				"source": "garmin",
				"imei":   imei,
				"raw_placemark": map[string]any{
					"extended_data": extendedDataMap(pm),
				},
			},
		})
	}
	return positions, nil
}

func extendedDataMap(pm kmlPlacemark) map[string]string {
	m := make(map[string]string, len(pm.ExtendedData.Data))
	for _, d := range pm.ExtendedData.Data {
		m[d.Name] = d.Value
	}
	return m
}

func fetchKML(ctx context.Context, client *http.Client, cfg map[string]any) ([]kmlPlacemark, error) {
	url, _ := cfg["url"].(string)
	if url == "" {
		return nil, plugin.UnknownErr("garmin: missing url", nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, plugin.UnknownErr("build request", err)
	}
	if user, _ := cfg["username"].(string); user != "" {
		pass, _ := cfg["password"].(string)
		req.SetBasicAuth(user, pass)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, plugin.TimeoutErr("garmin request deadline exceeded", err)
		}
		return nil, plugin.NetworkErr("garmin request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, plugin.AuthErr("garmin MapShare credentials rejected", nil)
	case resp.StatusCode == http.StatusNotFound:
		return nil, plugin.NotFoundErr("garmin MapShare feed not found", nil)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(resp.Body)
		return nil, plugin.UnknownErr(fmt.Sprintf("garmin HTTP %d: %s", resp.StatusCode, string(body)), nil)
	}

	var doc kmlDocument
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, plugin.ParseErr("decoding garmin KML", err)
	}
	return doc.Document.Placemarks, nil
}

func parseCoordinates(s string) (lat, lon float64, ok bool) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) < 2 {
		return 0, 0, false
	}
	lonF, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	latF, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return latF, lonF, true
}

var velocityPattern = regexp.MustCompile(`(?i)^\s*([\d.]+)\s*(km/h|kph|mph|m/s)?\s*$`)

// parseVelocity converts Garmin's free-text velocity string to m/s. A
// bare number with no unit is treated as km/h, the unit MapShare omits.
func parseVelocity(raw string) *float64 {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	m := velocityPattern.FindStringSubmatch(raw)
	if m == nil {
		return nil
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	unit := strings.ToLower(m[2])
	var mps float64
	switch unit {
	case "mph":
		mps = value * 0.44704
	case "m/s":
		mps = value
	default: // "km/h", "kph", or no unit
		mps = value / 3.6
	}
	return &mps
}

var coursePattern = regexp.MustCompile(`(?i)^\s*([\d.]+)\s*°?\s*(true|degrees)?\s*$`)

// parseCourse converts Garmin's free-text course string ("315.00 ° True",
// "180 degrees") to degrees, normalized into [0, 360).
func parseCourse(raw string) *float64 {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	m := coursePattern.FindStringSubmatch(raw)
	if m == nil {
		return nil
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	value = math.Mod(value, 360)
	if value < 0 {
		value += 360
	}
	return &value
}

// ApplyCallsignMapping implements plugin.CallsignMapper. field is
// expected to be "imei", "name", or "uid"; positions whose mapped entry
// has Enabled=false are dropped from the returned slice.
func (p *Plugin) ApplyCallsignMapping(positions []model.Position, field string, mapping map[string]model.CallsignMapping) []model.Position {
	out := positions[:0]
	for _, pos := range positions {
		identifier := identifierFor(pos, field)
		m, found := mapping[identifier]
		if !found {
			out = append(out, pos)
			continue
		}
		if !m.Enabled {
			continue
		}
		pos.Name = m.Callsign
		pos = callsign.WithMappingMetadata(pos, m)
		out = append(out, pos)
	}
	return out
}

func identifierFor(pos model.Position, field string) string {
	switch field {
	case "imei":
		if imei, ok := pos.Extra["imei"].(string); ok {
			return imei
		}
		return ""
	case "uid":
		return pos.UID
	default:
		return pos.Name
	}
}
