package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tipline/internal/domain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	require.Equal(t, "tipline", cfg.Node.Name)
	require.Equal(t, time.Hour, cfg.TokenLifetime())
	require.Equal(t, 2*time.Minute, cfg.PowTimeout())
	require.Equal(t, 2, cfg.PowDifficulty())

	node := cfg.NodeInfo()
	require.True(t, node.EnableCaptcha)
	require.True(t, node.EnableProofOfWork)
	require.Equal(t, 10, node.SubmissionMinimumDelay)

	contexts := cfg.DomainContexts()
	require.Len(t, contexts, 2)
	fraud := contexts[0]
	require.Equal(t, "c-fraud", fraud.ID)
	require.True(t, fraud.ShowContext)
	require.Len(t, fraud.Steps, 2)
	person := fraud.Steps[1].Children[0]
	require.Equal(t, domain.FieldGroup, person.Type)
	require.Len(t, person.Children, 2)
	consent := fraud.Steps[1].Children[1]
	require.Equal(t, []domain.FieldOption{{ID: "o-agree", Label: "I confirm the information is accurate"}}, consent.Options)
}

func TestHiddenContextAndDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
node:
  name: small
receivers:
  - id: r1
contexts:
  - id: c1
    show_context: false
    receivers: [r1]
`))
	require.NoError(t, err)
	require.False(t, cfg.DomainContexts()[0].ShowContext)
	require.Equal(t, defaultPowDifficulty, cfg.PowDifficulty())
	require.Equal(t, defaultTokenLifetime, cfg.TokenLifetime())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name, yaml, msg string
	}{
		{"no name", "node: {}\n", "node.name is required"},
		{"negative delay", "node: {name: n}\nsubmission: {minimum_delay: -1}\n", "minimum_delay"},
		{"difficulty", "node: {name: n}\nsubmission: {pow_difficulty: 9}\n", "pow_difficulty"},
		{"lifetime", "node: {name: n}\nsubmission: {token_lifetime: soon}\n", "token_lifetime"},
		{"zero timeout", "node: {name: n}\nsubmission: {pow_timeout: 0s}\n", "must be positive"},
		{"dup receiver", "node: {name: n}\nreceivers: [{id: a}, {id: a}]\n", "receiver a defined twice"},
		{"unknown receiver", "node: {name: n}\ncontexts: [{id: c, receivers: [x]}]\n", "unknown receiver x"},
		{"dup context", "node: {name: n}\ncontexts: [{id: c}, {id: c}]\n", "context c defined twice"},
		{"negative max", "node: {name: n}\ncontexts: [{id: c, maximum_selectable_receivers: -2}]\n", "negative maximum_selectable_receivers"},
		{"width", "node: {name: n}\ncontexts: [{id: c, steps: [{id: s, fields: [{id: f, width: 13}]}]}]\n", "width must be between"},
		{"children", "node: {name: n}\ncontexts: [{id: c, steps: [{id: s, fields: [{id: f, type: inputbox, children: [{id: g}]}]}]}]\n", "has children"},
		{"empty field id", "node: {name: n}\ncontexts: [{id: c, steps: [{id: s, fields: [{type: inputbox}]}]}]\n", "empty id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			require.ErrorContains(t, err, tc.msg)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.Equal(t, "tipline", cfg.Node.Name)

	require.NoError(t, os.WriteFile(Path(dir), []byte("node: {name: custom}\n"), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	require.Equal(t, "custom", cfg.Node.Name)

	require.NoError(t, os.WriteFile(Path(dir), []byte("node: [\n"), 0o644))
	_, err = LoadOptional(dir)
	require.ErrorContains(t, err, "invalid config yaml")

	_, err = FromFile(filepath.Join(dir, "missing.yml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
