// Package deepstate implements the Provider Plug-in contract (internal/plugin)
// for the Deepstate OSINT battlefield-tracking platform.
//
// The upstream API is a public, unauthenticated GeoJSON feed of Point
// features, each carrying a multilingual name field from which an English
// name is extracted with a "/// name ///" delimiter pattern. Point UIDs
// are derived from a SHA-256 hash of "DEEPSTATE"+name (truncated to 16
// hex characters) so reprocessed feeds produce stable device identities.
package deepstate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/trakbridge/trakbridge/internal/model"
	"github.com/trakbridge/trakbridge/internal/plugin"
)

const (
	pluginName    = "deepstate"
	defaultAPIURL = "https://deepstatemap.live/api/history/last"
)

var englishNamePattern = regexp.MustCompile(`///[ \t\x{00A0}]*([A-Za-z0-9\-.,' ]+?)[ \t\x{00A0}]*///`)

func init() {
	plugin.Default().Register(pluginName, func() plugin.Plugin { return &Plugin{} })
}

// Plugin fetches the latest battlefield feature collection from Deepstate.
type Plugin struct{}

var _ plugin.Plugin = (*Plugin)(nil)

func (p *Plugin) Name() string { return pluginName }

func (p *Plugin) Metadata() plugin.Metadata {
	return plugin.Metadata{
		DisplayName: "Deepstate OSINT Platform",
		Category:    "osint",
		ConfigFields: []plugin.ConfigField{
			{Name: "api_url", DisplayName: "API URL", Type: "string", Required: false, Default: defaultAPIURL},
		},
		HelpSections: []string{
			"No authentication required - uses the public Deepstate API.",
			"Only Point-type GeoJSON features are processed.",
		},
	}
}

func (p *Plugin) ValidateConfig(cfg map[string]any) plugin.ValidationResult {
	return plugin.ValidationResult{OK: true}
}

func (p *Plugin) TestConnection(ctx context.Context, cfg map[string]any) plugin.ConnectionTestResult {
	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL(cfg), nil)
	if err != nil {
		return plugin.ConnectionTestResult{Success: false, Error: err.Error()}
	}
	resp, err := client.Do(req)
	if err != nil {
		return plugin.ConnectionTestResult{Success: false, Error: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return plugin.ConnectionTestResult{Success: false, Error: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	return plugin.ConnectionTestResult{Success: true, Details: map[string]any{"status": resp.StatusCode}}
}

// featureCollection mirrors the subset of Deepstate's GeoJSON response we
// consume; the real API nests it either directly or under a "map" key.
type featureCollection struct {
	Map *struct {
		Features []feature `json:"features"`
	} `json:"map"`
	Features []feature `json:"features"`
}

type feature struct {
	Geometry struct {
		Type        string    `json:"type"`
		Coordinates []float64 `json:"coordinates"`
	} `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

func (p *Plugin) Fetch(ctx context.Context, session *http.Client, cfg map[string]any) ([]model.Position, error) {
	if session == nil {
		session = &http.Client{Timeout: 15 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL(cfg), nil)
	if err != nil {
		return nil, plugin.UnknownErr("build request", err)
	}
	resp, err := session.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, plugin.TimeoutErr("deepstate request deadline exceeded", err)
		}
		return nil, plugin.NetworkErr("deepstate request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, plugin.RateLimitedErr("deepstate rate limited", nil)
	case resp.StatusCode == http.StatusNotFound:
		return nil, plugin.NotFoundErr("deepstate endpoint not found", nil)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, plugin.AuthErr("deepstate auth rejected", nil)
	case resp.StatusCode >= 400:
		return nil, plugin.UnknownErr(fmt.Sprintf("deepstate HTTP %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, plugin.NetworkErr("reading deepstate response", err)
	}

	var fc featureCollection
	if err := json.Unmarshal(body, &fc); err != nil {
		return nil, plugin.ParseErr("decoding deepstate GeoJSON", err)
	}

	features := fc.Features
	if fc.Map != nil {
		features = fc.Map.Features
	}

	cotTypeMode := model.CotTypeModeStream
	if m, ok := cfg["cot_type_mode"].(string); ok && m == string(model.CotTypeModePerPoint) {
		cotTypeMode = model.CotTypeModePerPoint
	}
	defaultCotType, _ := cfg["cot_type_default"].(string)
	if defaultCotType == "" {
		defaultCotType = "a-n-G"
	}

	now := time.Now().UTC()
	positions := make([]model.Position, 0, len(features))
	for _, f := range features {
		if f.Geometry.Type != "Point" || len(f.Geometry.Coordinates) < 2 {
			continue
		}
		rawName, _ := f.Properties["name"].(string)
		if strings.Contains(rawName, "Direction of attack") {
			continue
		}
		englishName := extractEnglishName(rawName)
		eventID := generatePointID(englishName)

		cotType := defaultCotType
		if cotTypeMode == model.CotTypeModePerPoint {
			description, _ := f.Properties["description"].(string)
			cotType = classifyCotType(englishName, description, defaultCotType)
		}

		lon, lat := f.Geometry.Coordinates[0], f.Geometry.Coordinates[1]
		positions = append(positions, model.Position{
			UID:         "deepstate-" + eventID,
			Name:        englishName,
			Lat:         lat,
			Lon:         lon,
			Timestamp:   now,
			Description: fmt.Sprintf("Location: %s | Source: Deepstate OSINT", englishName),
			CotTypeHint: cotType,
			Extra: map[string]any{
				"source":     "deepstate",
				"event_id":   eventID,
				"raw_name":   rawName,
			},
		})
	}

	return positions, nil
}

func apiURL(cfg map[string]any) string {
	if u, ok := cfg["api_url"].(string); ok && u != "" {
		return u
	}
	return defaultAPIURL
}

// extractEnglishName pulls the English name out of a "/// Name ///"
// delimited multilingual string, falling back to "Unknown Location".
func extractEnglishName(raw string) string {
	m := englishNamePattern.FindStringSubmatch(raw)
	if len(m) != 2 {
		return "Unknown Location"
	}
	name := strings.Join(strings.Fields(m[1]), " ")
	if name == "" {
		return "Unknown Location"
	}
	return name
}

// generatePointID hashes "DEEPSTATE"+name and returns the first 16 hex
// characters. The scheme must stay stable across releases: it is what
// keeps a feature's device uid idempotent between fetches.
func generatePointID(englishName string) string {
	sum := sha256.Sum256([]byte("DEEPSTATE" + englishName))
	return hex.EncodeToString(sum[:])[:16]
}

// cotTypeRule maps name keywords to a CoT type. Rules are ordered: more
// specific phrases ("motorized rifle") must win over their substrings
// ("rifle"), so classifyCotType takes the first match.
type cotTypeRule struct {
	keywords []string
	cotType  string
}

var cotTypeRules = []cotTypeRule{
	// Location-based classifications.
	{[]string{"kyiv"}, "a-n-G-I-G"},                     // neutral ground installation general
	{[]string{"moscow", "minsk"}, "a-h-G-I-G"},          // hostile ground installation general
	// Military unit classifications.
	{[]string{"motorized rifle"}, "a-h-G-U-C-I-M"},      // hostile infantry, mechanized
	{[]string{"motor rifle"}, "a-h-G-U-C-I-M"},
	{[]string{"somalia"}, "a-h-G-U-C-A"},                // hostile armor
	{[]string{"piatnashka"}, "a-h-G-U-C-I"},             // hostile infantry
	{[]string{"rifle"}, "a-h-G-U-C-I"},
	{[]string{"pmc"}, "a-h-G-U-C-I"},
	{[]string{"dpr"}, "a-h-G-U-C-I"},
	{[]string{"lpr"}, "a-h-G-U-C-I"},
	{[]string{"bars"}, "a-h-G-U-C-I"},
	{[]string{"rosguard"}, "a-h-G-U-C-I"},
	// Specialized unit types.
	{[]string{"artillery"}, "a-h-G-U-C-F"},              // hostile field artillery
	{[]string{"tank"}, "a-h-G-U-C-A"},                   // hostile armor
	{[]string{"airborne"}, "a-h-G-U-C-I-A"},             // hostile infantry, airborne
	{[]string{"paratrooper"}, "a-h-G-U-C-I-A"},
	{[]string{"air assault"}, "a-h-G-U-C-I-S"},          // hostile infantry, air assault
	{[]string{"coastal defense"}, "a-h-G-U-C-I-N"},      // hostile infantry, naval
	{[]string{"marine"}, "a-h-G-U-C-I-N"},
	{[]string{"naval infantry"}, "a-h-G-U-C-I-N"},
	// Infrastructure and installations.
	{[]string{"airport", "airfield", "aerodrom", "air base", "helicopter base"}, "a-h-G-I-B-A"}, // hostile airfield base
	// Special operations.
	{[]string{"special purpose"}, "a-h-F"},              // hostile special operations forces
	{[]string{"spetsnaz"}, "a-h-F"},
	// Support units.
	{[]string{"engineer"}, "a-h-G-U-C-E"},               // hostile combat engineer
	{[]string{"reconnaissance"}, "a-h-G-U-C-R"},         // hostile reconnaissance
	{[]string{"intelligence"}, "a-h-G-U-U-M"},           // hostile military intelligence
	// Weapons systems.
	{[]string{"cruise"}, "a-h-S-C-L-C-C"},               // hostile sea surface cruiser
}

// classifyCotType assigns a CoT type for per_point mode from the feature's
// description icon marker first, then keyword patterns in the English
// name, falling back to the stream default.
func classifyCotType(englishName, description, fallback string) string {
	switch description {
	case "{icon=enemy}":
		return "a-h-G-U-C-I" // hostile ground unit combat infantry
	case "{icon=headquarter}":
		return "a-h-G-U-H" // hostile ground unit headquarters
	}

	nameID := strings.ToLower(englishName)
	for _, rule := range cotTypeRules {
		for _, kw := range rule.keywords {
			if strings.Contains(nameID, kw) {
				return rule.cotType
			}
		}
	}
	return fallback
}
