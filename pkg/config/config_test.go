package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
profile: research
workers: 4
batch_size: 100
audit_queue_capacity: 512
codec: zlib
machine_rules:
  - serial_number: SN-100
    manufacturer: Acme
    model_name: Scanmaster
    redaction_zones:
      - row_start: 0
        row_end: 32
        col_start: 0
        col_end: 256
  - serial_number: SN-200
    redaction_zones:
      - row_start: 10
        row_end: 20
        col_start: 10
        col_end: 20
      - row_start: 400
        row_end: 440
        col_start: 0
        col_end: 64
`

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	require.Equal(t, "research", cfg.Profile)
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, 512, cfg.AuditQueueCapacity)
	require.Len(t, cfg.MachineRules, 2)

	r := cfg.MachineRules[0]
	require.Equal(t, "SN-100", r.SerialNumber)
	require.Equal(t, "Acme", r.Manufacturer)
	require.Len(t, r.Zones, 1)
	require.Equal(t, 256, r.Zones[0].ColEnd)

	require.Len(t, cfg.MachineRules[1].Zones, 2)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gantry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "research", cfg.Profile)
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte("profile: standard\n"))
	require.NoError(t, err)
	require.Equal(t, "zlib", cfg.Codec)
	require.Zero(t, cfg.Workers)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"unknown codec", "codec: lz4\n"},
		{"negative workers", "workers: -1\n"},
		{"rule without serial", "machine_rules:\n  - model_name: X\n"},
		{"duplicate serial", `machine_rules:
  - serial_number: SN-1
    redaction_zones: [{row_start: 0, row_end: 1, col_start: 0, col_end: 1}]
  - serial_number: SN-1
    redaction_zones: [{row_start: 0, row_end: 1, col_start: 0, col_end: 1}]
`},
		{"empty zone", `machine_rules:
  - serial_number: SN-1
    redaction_zones: [{row_start: 5, row_end: 5, col_start: 0, col_end: 1}]
`},
		{"negative zone bounds", `machine_rules:
  - serial_number: SN-1
    redaction_zones: [{row_start: -1, row_end: 5, col_start: 0, col_end: 1}]
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
		})
	}
}
