package smtpconn

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLSConfigDefaults(t *testing.T) {
	var nilConfig *TLSConfig
	for _, cfg := range []*TLSConfig{nilConfig, {}} {
		config, err := cfg.build("mail.example.com")
		require.NoError(t, err)
		assert.Equal(t, "mail.example.com", config.ServerName)
		assert.False(t, config.InsecureSkipVerify)
		assert.EqualValues(t, tls.VersionTLS12, config.MinVersion)
		assert.Nil(t, config.RootCAs)
		assert.Empty(t, config.Certificates)
	}
}

func TestTLSConfigOptions(t *testing.T) {
	cfg := &TLSConfig{
		InsecureSkipVerify: true,
		ServerName:         "smtp.example.net",
		CertBundleFile:     testCertFile,
		ClientCertFile:     testCertFile,
		ClientKeyFile:      testKeyFile,
	}
	config, err := cfg.build("mail.example.com")
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.net", config.ServerName)
	assert.True(t, config.InsecureSkipVerify)
	assert.NotNil(t, config.RootCAs)
	assert.Len(t, config.Certificates, 1)
}

func TestTLSConfigErrors(t *testing.T) {
	empty := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("not a certificate\n"), 0o600))

	tests := []struct {
		name       string
		cfg        *TLSConfig
		invalidArg bool
	}{
		{name: "missing bundle", cfg: &TLSConfig{CertBundleFile: filepath.Join(t.TempDir(), "nope.pem")}},
		{name: "empty bundle", cfg: &TLSConfig{CertBundleFile: empty}},
		{name: "key mismatch", cfg: &TLSConfig{ClientCertFile: testCertFile, ClientKeyFile: empty}},
		{name: "cert only", cfg: &TLSConfig{ClientCertFile: testCertFile}, invalidArg: true},
		{name: "key only", cfg: &TLSConfig{ClientKeyFile: testKeyFile}, invalidArg: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.cfg.build("mail.example.com")
			require.Error(t, err)
			if tc.invalidArg {
				assert.ErrorIs(t, err, ErrInvalidArgument)
			}
		})
	}
}

func TestTLSConfigSupplied(t *testing.T) {
	named := &tls.Config{ServerName: "other.example.com"}
	config, err := (&TLSConfig{Config: named, InsecureSkipVerify: true}).build("mail.example.com")
	require.NoError(t, err)
	assert.Same(t, named, config)
	assert.False(t, config.InsecureSkipVerify, "fields other than Config must not apply")

	insecure := &tls.Config{InsecureSkipVerify: true}
	config, err = (&TLSConfig{Config: insecure}).build("mail.example.com")
	require.NoError(t, err)
	assert.Same(t, insecure, config)

	unnamed := &tls.Config{MinVersion: tls.VersionTLS13}
	cfg := &TLSConfig{Config: unnamed}
	config, err = cfg.build("mail.example.com")
	require.NoError(t, err)
	assert.NotSame(t, unnamed, config)
	assert.Equal(t, "mail.example.com", config.ServerName)
	assert.EqualValues(t, tls.VersionTLS13, config.MinVersion)
	assert.Empty(t, unnamed.ServerName)
	assert.Same(t, unnamed, cfg.borrowed())
}

func TestTLSConfigClone(t *testing.T) {
	var nilConfig *TLSConfig
	assert.Nil(t, nilConfig.Clone())
	assert.Nil(t, nilConfig.borrowed())

	supplied := &tls.Config{}
	cfg := &TLSConfig{ServerName: "a.example.com", Config: supplied}
	clone := cfg.Clone()
	clone.ServerName = "b.example.com"
	assert.Equal(t, "a.example.com", cfg.ServerName)
	assert.Same(t, supplied, clone.Config)
}
