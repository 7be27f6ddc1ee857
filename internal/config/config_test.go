package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate_RequiresCoreFields(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dataDir")
}

func TestConfig_Validate_SignerBackendRequiresSignerURL(t *testing.T) {
	cfg := &Config{DataDir: "/tmp/data", StoreID: "store1", RemoteBackend: "signer"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signerURL")
}

func TestConfig_Validate_S3DirectBackendRequiresBucket(t *testing.T) {
	cfg := &Config{DataDir: "/tmp/data", StoreID: "store1", RemoteBackend: "s3direct"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}

func TestConfig_SaveAndLoad_Roundtrip(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.json")

	cfg := &Config{
		DataDir:       filepath.Join(tmp, "data"),
		StoreID:       "store1",
		RemoteBackend: "signer",
		SignerURL:     "https://signer.example.com",
		ReadPathAddr:  "127.0.0.1:9999",
	}
	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var roundtripped Config
	require.NoError(t, json.Unmarshal(data, &roundtripped))
	assert.Equal(t, cfg.StoreID, roundtripped.StoreID)
	assert.Equal(t, cfg.SignerURL, roundtripped.SignerURL)
}

func TestDefaultPath_HonorsEnvOverride(t *testing.T) {
	t.Setenv("FILESYNC_CONFIG_PATH", "/custom/path/config.json")
	assert.Equal(t, "/custom/path/config.json", DefaultPath())
}
