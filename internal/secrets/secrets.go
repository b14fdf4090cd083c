// Package secrets wraps HashiCorp Vault for TrakBridge's
// encryption-at-rest needs: resolving a stream's sensitive plugin_config
// fields and a TAK server's TLS client certificate/key material at
// worker-start time. The repository itself never stores plaintext, only
// ciphertext or a Vault path reference; this package is the client for
// that external service.
package secrets

import (
	"fmt"

	"github.com/hashicorp/vault/api"
)

// Manager wraps a Vault client for reading TrakBridge's stored secrets.
type Manager struct {
	client *api.Client
}

// New creates a Vault client pointed at address and authenticated with
// token.
func New(address, token string) (*Manager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("secrets: vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	return &Manager{client: client}, nil
}

// GetSecret reads a secret at path and returns the raw data map. For KV v2
// backends the caller must unwrap the nested "data" key (see GetKV2).
func (m *Manager) GetSecret(path string) (map[string]interface{}, error) {
	secret, err := m.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("secrets: failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secrets: no data found at %s", path)
	}
	return secret.Data, nil
}

// GetKV2 reads from a KV v2 backend and returns the inner "data" map,
// unwrapping the v2 envelope automatically.
func (m *Manager) GetKV2(path string) (map[string]interface{}, error) {
	raw, err := m.GetSecret(path)
	if err != nil {
		return nil, err
	}
	data, ok := raw["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("secrets: unexpected data format at %s", path)
	}
	return data, nil
}

// ResolvePluginConfig replaces any sensitive field of cfg whose value is a
// "vault://<path>#<key>" reference with the plaintext secret read from
// Vault, leaving non-reference values untouched. sensitiveFields is the
// plug-in's own declared set (plugin.ConfigField.Sensitive); only those
// keys are ever dereferenced, so a plug-in cannot accidentally leak an
// unrelated config value treated as a secret reference.
func (m *Manager) ResolvePluginConfig(cfg map[string]any, sensitiveFields []string) (map[string]any, error) {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	for _, field := range sensitiveFields {
		raw, ok := out[field]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		path, key, isRef := parseVaultRef(s)
		if !isRef {
			continue
		}
		data, err := m.GetKV2(path)
		if err != nil {
			return nil, fmt.Errorf("secrets: resolve field %q: %w", field, err)
		}
		val, ok := data[key]
		if !ok {
			return nil, fmt.Errorf("secrets: key %q not found at %s", key, path)
		}
		out[field] = val
	}
	return out, nil
}

// ResolveTLSMaterial fetches a TAK server's client certificate, key, and CA
// bundle from a single KV v2 path when the stored configuration carries a
// Vault reference rather than inline PEM bytes. An empty vaultPath returns
// nil for all three PEM values and a nil error.
func (m *Manager) ResolveTLSMaterial(vaultPath string) (certPEM, keyPEM, caPEM []byte, err error) {
	if vaultPath == "" {
		return nil, nil, nil, nil
	}
	data, err := m.GetKV2(vaultPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("secrets: resolve tls material at %s: %w", vaultPath, err)
	}
	certPEM = []byte(stringOrEmpty(data["client_cert_pem"]))
	keyPEM = []byte(stringOrEmpty(data["client_key_pem"]))
	caPEM = []byte(stringOrEmpty(data["ca_cert_pem"]))
	return certPEM, keyPEM, caPEM, nil
}

func stringOrEmpty(v any) string {
	s, _ := v.(string)
	return s
}

// parseVaultRef splits a "vault://<path>#<key>" reference into its KV v2
// path and data key. A string that doesn't match this form is treated as
// plaintext (isRef is false).
func parseVaultRef(s string) (path, key string, isRef bool) {
	const prefix = "vault://"
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return "", "", false
	}
	rest := s[len(prefix):]
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == '#' {
			return rest[:i], rest[i+1:], true
		}
	}
	return rest, "", true
}
