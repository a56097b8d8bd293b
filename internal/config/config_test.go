package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default(t.TempDir())
	require.NoError(t, cfg.Validate())
	require.Equal(t, 1, cfg.Crawl.Workers)
	require.Equal(t, 10*time.Minute, cfg.Crawl.ArtifactTimeout.Duration)
	require.False(t, cfg.Crawl.PropagateChildExtents)
	require.Equal(t, "sqlite", cfg.Staleness.Backend)
	require.Equal(t, []string{"{source}", "{output}"}, cfg.Converter.Args)
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("crawl:\n  workers: 4\n  propagate_child_extents: true\n"))
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Crawl.Workers)
	require.True(t, cfg.Crawl.PropagateChildExtents)
	require.Equal(t, 30*time.Second, cfg.Crawl.HTTPTimeout.Duration)
	require.Equal(t, "local", cfg.Storage.Backend)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"workers":  "crawl:\n  workers: 0\n",
		"backend":  "staleness:\n  backend: mongo\n",
		"postgres": "staleness:\n  backend: postgres\n",
		"redis":    "staleness:\n  backend: redis\n",
		"s3":       "storage:\n  backend: s3\n",
		"mail":     "mail:\n  send_admin: true\n",
		"level":    "log:\n  level: loud\n",
		"duration": "crawl:\n  http_timeout: soon\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.Nil(t, cfg)
	_, err = Load(dir)
	require.ErrorContains(t, err, "config init")

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault(dir)), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(cfg.Paths.WorkingDir, "/.updatebot/work"))

	out, err := cfg.YAML()
	require.NoError(t, err)
	require.Contains(t, out, "artifact_timeout: 10m0s")
	back, err := FromYAML([]byte(out))
	require.NoError(t, err)
	require.Equal(t, cfg.Crawl, back.Crawl)
}
