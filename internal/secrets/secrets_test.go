package secrets

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVaultRef(t *testing.T) {
	cases := []struct {
		in    string
		path  string
		key   string
		isRef bool
	}{
		{"vault://secret/data/trakbridge/streams/s1#password", "secret/data/trakbridge/streams/s1", "password", true},
		{"vault://secret/data/x#a#b", "secret/data/x#a", "b", true},
		{"vault://secret/data/x", "secret/data/x", "", true},
		{"plaintext-password", "", "", false},
		{"vault://", "", "", false},
		{"", "", "", false},
	}
	for _, c := range cases {
		path, key, isRef := parseVaultRef(c.in)
		assert.Equal(t, c.isRef, isRef, "in=%q", c.in)
		assert.Equal(t, c.path, path, "in=%q", c.in)
		assert.Equal(t, c.key, key, "in=%q", c.in)
	}
}

func TestResolvePluginConfig_PlaintextPassesThrough(t *testing.T) {
	m, err := New("http://127.0.0.1:8200", "token")
	require.NoError(t, err)

	cfg := map[string]any{
		"username": "admin",
		"password": "already-plaintext",
		"timeout":  30,
	}
	out, err := m.ResolvePluginConfig(cfg, []string{"password"})
	require.NoError(t, err)
	assert.Equal(t, "already-plaintext", out["password"])
	assert.Equal(t, "admin", out["username"])

	// The input map is never mutated.
	out["password"] = "changed"
	assert.Equal(t, "already-plaintext", cfg["password"])
}

func TestResolvePluginConfig_DereferencesSensitiveFieldOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/secret/data/trakbridge/streams/s1", r.URL.Path)
		w.Write([]byte(`{"data": {"data": {"password": "s3cret"}}}`))
	}))
	defer srv.Close()

	m, err := New(srv.URL, "token")
	require.NoError(t, err)

	cfg := map[string]any{
		"password": "vault://secret/data/trakbridge/streams/s1#password",
		// Not declared sensitive: left as the literal string even though it
		// looks like a reference.
		"note": "vault://secret/data/other#x",
	}
	out, err := m.ResolvePluginConfig(cfg, []string{"password"})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", out["password"])
	assert.Equal(t, "vault://secret/data/other#x", out["note"])
}

func TestResolveTLSMaterial_EmptyPathIsNoop(t *testing.T) {
	m, err := New("http://127.0.0.1:8200", "token")
	require.NoError(t, err)
	cert, key, ca, err := m.ResolveTLSMaterial("")
	require.NoError(t, err)
	assert.Nil(t, cert)
	assert.Nil(t, key)
	assert.Nil(t, ca)
}

func TestResolveTLSMaterial_ReadsPEMBundle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": {"data": {
			"client_cert_pem": "CERT",
			"client_key_pem": "KEY",
			"ca_cert_pem": "CA"
		}}}`))
	}))
	defer srv.Close()

	m, err := New(srv.URL, "token")
	require.NoError(t, err)
	cert, key, ca, err := m.ResolveTLSMaterial("secret/data/trakbridge/servers/sv1")
	require.NoError(t, err)
	assert.Equal(t, "CERT", string(cert))
	assert.Equal(t, "KEY", string(key))
	assert.Equal(t, "CA", string(ca))
}
