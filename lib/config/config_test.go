package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "portcullis.yaml")
	body := []byte("ssh_proxy:\n  host_key_path: /etc/portcullis/host_key\n")
	require.NoError(t, os.WriteFile(path, body, 0o640))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:2222", cfg.SSHProxy.ListenAddress)
	require.NotEmpty(t, cfg.Store.Path)
	require.NotEmpty(t, cfg.Recording.Directory)
}

func TestCheckAndSetDefaultsRequiresHostKeyPath(t *testing.T) {
	cfg := &FileConfig{}
	require.Error(t, cfg.CheckAndSetDefaults())
}
