package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sift/config"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a.toml", []string{"a.toml"}},
		{" a.toml , b.yaml,,", []string{"a.toml", "b.yaml"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, splitList(tt.in), tt.in)
	}
}

func TestNewDriverFromRuleFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[rule]]
name = "newsletters"
expression = '(header-contains "List-Id" "news")'
action_expression = '(move-to "News")'
`), 0o600))

	cfg := config.NewDefaultConfig()
	cfg.Rules.Files = []string{path}

	r, err := newRelay(cfg)
	require.NoError(t, err)
	assert.Nil(t, r, "no relay host configured")

	d, err := newDriver(cfg, r)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, []string{"newsletters"}, d.Rules())
	assert.Empty(t, d.Check())
}

func TestLoadRulesEmpty(t *testing.T) {
	rs, err := loadRules(config.NewDefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, rs.Rules)
}
