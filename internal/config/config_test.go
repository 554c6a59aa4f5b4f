package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "IMA", cfg.CaseTypes["import"].Case.Prefix)
	assert.Equal(t, "licence", cfg.CaseTypes["import"].DocumentKind)
	assert.Equal(t, "", cfg.CaseTypes["access"].DocumentKind)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout())
	assert.Equal(t, 30*time.Second, cfg.TxTimeout())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"driver":        "database:\n  driver: mysql\n",
		"postgres dsn":  "database:\n  driver: postgres\n",
		"case type":     "case_types:\n  firearms: {}\n",
		"document kind": "case_types:\n  import:\n    document_kind: permit\n",
		"rbac event":    "rbac:\n  roles:\n    clerk:\n      events: [approve]\n",
		"webhook url":   "webhooks:\n  - secret: x\n",
		"kafka brokers": "kafka:\n  enabled: true\n  topic: cases\n",
		"log format":    "logging:\n  format: xml\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestAllowedEvents(t *testing.T) {
	cfg := Default()
	allowed, ok := cfg.AllowedEvents([]string{"applicant"})
	require.True(t, ok)
	assert.Contains(t, allowed, "submit")
	assert.NotContains(t, allowed, "complete")

	var empty Config
	_, ok = empty.AllowedEvents([]string{"applicant"})
	assert.False(t, ok)
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "IMA", cfg.CaseTypes["import"].Case.Prefix)

	doc := "locking:\n  lock_timeout_ms: 250\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "caseline.yml"), []byte(doc), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.LockTimeout())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "caseline.yml"), []byte("logging: ["), 0o644))
	_, err = LoadOptional(dir)
	assert.Error(t, err)
}
