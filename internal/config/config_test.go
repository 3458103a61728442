package config

import (
	"EscrowLedger/internal/ledger"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escrow.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	id, err := cfg.Program()
	require.NoError(t, err)
	assert.Equal(t, crypto.Keccak256([]byte(programIDSeed)), id.Bytes())

	assert.Equal(t, 10*time.Minute, cfg.InstructionMaxAge)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	native, ok := reg.Get(ledger.AssetID(cfg.NativeAsset))
	require.True(t, ok)
	assert.Equal(t, "NATIVE", native.Symbol)
}

func TestDefault_EnvOverrides(t *testing.T) {
	t.Setenv("ESCROW_GRPC_ADDR", ":7000")
	t.Setenv("ESCROW_SUBMIT_RATE", "2.5")
	t.Setenv("ESCROW_PERSIST_FLUSH_TIMEOUT", "25ms")
	t.Setenv("ESCROW_RESERVE_PER_BYTE", "3")
	t.Setenv("ESCROW_PERSIST_BATCH_SIZE", "not-a-number")
	t.Setenv("ESCROW_INSTRUCTION_MAX_AGE", "90s")

	cfg := Default()
	assert.Equal(t, ":7000", cfg.GRPCAddr)
	assert.Equal(t, 2.5, cfg.SubmitRatePerSecond)
	assert.Equal(t, 25*time.Millisecond, cfg.PersistFlushTimeout)
	assert.Equal(t, int64(3), cfg.Reserves.PerByte)
	assert.Equal(t, 50, cfg.PersistBatchSize)
	assert.Equal(t, 90*time.Second, cfg.InstructionMaxAge)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
http_addr = ":8181"
grpc_addr = ":9191"
native_asset = 7
persist_flush_timeout = "5ms"

[reserves]
per_byte = 2
overhead = 64

[[assets]]
id = 7
symbol = "GAS"
decimals = 9

[[assets]]
id = 8
symbol = "DAI"
decimals = 18
`)
	t.Setenv("ESCROW_CONFIG", path)
	t.Setenv("ESCROW_GRPC_ADDR", ":6000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8181", cfg.HTTPAddr)
	assert.Equal(t, ":6000", cfg.GRPCAddr)
	assert.Equal(t, 5*time.Millisecond, cfg.PersistFlushTimeout)
	assert.Equal(t, int64(2), cfg.Reserves.PerByte)
	assert.Equal(t, 64, cfg.Reserves.Overhead)
	require.Len(t, cfg.Assets, 2)
	assert.Equal(t, "DAI", cfg.Assets[1].Symbol)
	// untouched keys keep their defaults
	assert.Equal(t, ":9091", cfg.MetricsAddr)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown key", `grpc_adress = ":1"`},
		{"unregistered native asset", "native_asset = 99"},
		{"bad program id", `program_id = "0x1234"`},
		{"zero program id", `program_id = "0x0000000000000000000000000000000000000000000000000000000000000000"`},
		{"negative reserve", "[reserves]\nper_byte = -1\noverhead = 1"},
		{"negative instruction age", `instruction_max_age = "-1m"`},
		{"duplicate asset", "[[assets]]\nid = 1\nsymbol = \"A\"\ndecimals = 1\n[[assets]]\nid = 1\nsymbol = \"B\"\ndecimals = 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ESCROW_CONFIG", writeFile(t, tt.body))
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
