// Package traccar implements the Provider Plug-in contract (internal/plugin)
// for the Traccar GPS tracking platform's REST API.
//
// HTTP Basic Auth against {server_url}/api/positions and
// {server_url}/api/devices, joined by device ID. Speed (knots, converted to
// m/s), course and altitude fill the typed Position fields; the raw
// attributes map (battery, ignition, ...) is carried in Position.Extra.
package traccar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/trakbridge/trakbridge/internal/model"
	"github.com/trakbridge/trakbridge/internal/plugin"
)

const pluginName = "traccar"

func init() {
	plugin.Default().Register(pluginName, func() plugin.Plugin { return &Plugin{} })
}

// Plugin fetches device positions from a Traccar server.
type Plugin struct{}

var _ plugin.Plugin = (*Plugin)(nil)

func (p *Plugin) Name() string { return pluginName }

func (p *Plugin) Metadata() plugin.Metadata {
	return plugin.Metadata{
		DisplayName: "Traccar GPS Platform",
		Category:    "platform",
		ConfigFields: []plugin.ConfigField{
			{Name: "server_url", DisplayName: "Server URL", Type: "string", Required: true},
			{Name: "username", DisplayName: "Username", Type: "string", Required: true},
			{Name: "password", DisplayName: "Password", Type: "string", Required: true, Sensitive: true},
			{Name: "timeout", DisplayName: "Request timeout (s)", Type: "int", Default: 30},
			{Name: "device_filter", DisplayName: "Device name filter (comma-separated)", Type: "string"},
		},
		HelpSections: []string{
			"Requires a Traccar account with read access to device positions.",
			"API endpoints used: /api/positions and /api/devices.",
		},
	}
}

func (p *Plugin) ValidateConfig(cfg map[string]any) plugin.ValidationResult {
	var warnings []string
	for _, f := range []string{"server_url", "username", "password"} {
		if s, _ := cfg[f].(string); s == "" {
			warnings = append(warnings, fmt.Sprintf("missing required field %q", f))
		}
	}
	return plugin.ValidationResult{OK: len(warnings) == 0, Warnings: warnings}
}

func (p *Plugin) TestConnection(ctx context.Context, cfg map[string]any) plugin.ConnectionTestResult {
	client := &http.Client{Timeout: requestTimeout(cfg)}
	devices, err := fetchDevices(ctx, client, cfg)
	if err != nil {
		return plugin.ConnectionTestResult{Success: false, Error: err.Error()}
	}
	positions, err := fetchPositions(ctx, client, cfg)
	if err != nil {
		return plugin.ConnectionTestResult{Success: false, Error: err.Error()}
	}
	return plugin.ConnectionTestResult{
		Success: true,
		Details: map[string]any{
			"device_count":   len(devices),
			"position_count": len(positions),
		},
	}
}

type device struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type traccarPosition struct {
	DeviceID   int                    `json:"deviceId"`
	ID         int                    `json:"id"`
	Latitude   float64                `json:"latitude"`
	Longitude  float64                `json:"longitude"`
	DeviceTime string                 `json:"deviceTime"`
	FixTime    string                 `json:"fixTime"`
	Speed      *float64               `json:"speed"`
	Course     *float64               `json:"course"`
	Altitude   *float64               `json:"altitude"`
	Accuracy   *float64               `json:"accuracy"`
	Attributes map[string]any         `json:"attributes"`
}

func (p *Plugin) Fetch(ctx context.Context, session *http.Client, cfg map[string]any) ([]model.Position, error) {
	if session == nil {
		session = &http.Client{Timeout: requestTimeout(cfg)}
	}

	positions, err := fetchPositions(ctx, session, cfg)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, nil
	}

	devices, err := fetchDevices(ctx, session, cfg)
	if err != nil {
		// Non-critical per the source plug-in: device names degrade to
		// "Device {id}" rather than failing the whole fetch.
		devices = nil
	}
	deviceByID := make(map[int]device, len(devices))
	for _, d := range devices {
		deviceByID[d.ID] = d
	}

	filter := parseDeviceFilter(stringField(cfg, "device_filter"))

	out := make([]model.Position, 0, len(positions))
	for _, pos := range positions {
		d, known := deviceByID[pos.DeviceID]
		name := fmt.Sprintf("Device %d", pos.DeviceID)
		if known {
			name = d.Name
		}
		if len(filter) > 0 && !matchesFilter(name, filter) {
			continue
		}

		ts := parseTimestamp(pos.DeviceTime, pos.FixTime)

		// Traccar reports speed in knots.
		var speedMPS *float64
		if pos.Speed != nil {
			v := *pos.Speed * 0.514444
			speedMPS = &v
		}

		extra := map[string]any{
			"source":      "traccar",
			"device_id":   pos.DeviceID,
			"position_id": pos.ID,
			"accuracy":    pos.Accuracy,
			"attributes":  pos.Attributes,
		}

		out = append(out, model.Position{
			UID:         fmt.Sprintf("traccar-%d", pos.DeviceID),
			Name:        name,
			Lat:         pos.Latitude,
			Lon:         pos.Longitude,
			Timestamp:   ts,
			Altitude:    pos.Altitude,
			SpeedMPS:    speedMPS,
			CourseDeg:   pos.Course,
			Description: buildDescription(pos),
			Extra:       extra,
		})
	}
	return out, nil
}

func requestTimeout(cfg map[string]any) time.Duration {
	secs := 30
	switch v := cfg["timeout"].(type) {
	case int:
		secs = v
	case float64:
		secs = int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			secs = n
		}
	}
	return time.Duration(secs) * time.Second
}

func stringField(cfg map[string]any, key string) string {
	s, _ := cfg[key].(string)
	return s
}

func fetchPositions(ctx context.Context, client *http.Client, cfg map[string]any) ([]traccarPosition, error) {
	serverURL := strings.TrimRight(stringField(cfg, "server_url"), "/")
	if serverURL == "" {
		return nil, plugin.UnknownErr("traccar: missing server_url", nil)
	}
	var positions []traccarPosition
	if err := getJSON(ctx, client, serverURL+"/api/positions", cfg, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

func fetchDevices(ctx context.Context, client *http.Client, cfg map[string]any) ([]device, error) {
	serverURL := strings.TrimRight(stringField(cfg, "server_url"), "/")
	if serverURL == "" {
		return nil, plugin.UnknownErr("traccar: missing server_url", nil)
	}
	var devices []device
	if err := getJSON(ctx, client, serverURL+"/api/devices", cfg, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, cfg map[string]any, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return plugin.UnknownErr("build request", err)
	}
	req.SetBasicAuth(stringField(cfg, "username"), stringField(cfg, "password"))

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return plugin.TimeoutErr("traccar request deadline exceeded", err)
		}
		return plugin.NetworkErr("traccar request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return plugin.AuthErr("traccar credentials rejected", nil)
	case resp.StatusCode == http.StatusNotFound:
		return plugin.NotFoundErr("traccar endpoint not found", nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return plugin.RateLimitedErr("traccar rate limited", nil)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(resp.Body)
		return plugin.UnknownErr(fmt.Sprintf("traccar HTTP %d: %s", resp.StatusCode, string(body)), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return plugin.ParseErr("decoding traccar response", err)
	}
	return nil
}

func parseTimestamp(deviceTime, fixTime string) time.Time {
	for _, s := range []string{deviceTime, fixTime} {
		if s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

func buildDescription(pos traccarPosition) string {
	var parts []string
	if pos.Speed != nil {
		parts = append(parts, fmt.Sprintf("Speed: %.1f km/h", *pos.Speed*1.852))
	}
	if pos.Course != nil {
		parts = append(parts, fmt.Sprintf("Heading: %.0f°", *pos.Course))
	}
	if pos.Altitude != nil {
		parts = append(parts, fmt.Sprintf("Altitude: %.0fm", *pos.Altitude))
	}
	if pos.Attributes != nil {
		if battery, ok := pos.Attributes["battery"]; ok {
			parts = append(parts, fmt.Sprintf("Battery: %v%%", battery))
		}
		if ignition, ok := pos.Attributes["ignition"].(bool); ok {
			state := "Off"
			if ignition {
				state = "On"
			}
			parts = append(parts, "Ignition: "+state)
		}
	}
	return strings.Join(parts, " | ")
}

func parseDeviceFilter(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, strings.ToLower(t))
		}
	}
	return out
}

func matchesFilter(name string, filter []string) bool {
	lower := strings.ToLower(name)
	for _, f := range filter {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}
