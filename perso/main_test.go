package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/barnettlynn/gpscp/pkg/gp"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testENC       = "404142434445464748494A4B4C4D4E4F"
	testMAC       = "505152535455565758595A5B5C5D5E5F"
	testDEK       = "606162636465666768696A6B6C6D6E6F"
	testTransport = "000102030405060708090A0B0C0D0E0F"
)

// writeConfig lays out key files and a config for a simulated card.
func writeConfig(t *testing.T, protocol int, level string) string {
	t.Helper()
	dir := t.TempDir()
	for name, key := range map[string]string{
		"enc.hex":       testENC,
		"mac.hex":       testMAC,
		"dek.hex":       testDEK,
		"transport.hex": testTransport,
		"new.hex":       "11111111111111112222222222222222",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("# test key\n"+key+"\n"), 0o600))
	}
	yaml := fmt.Sprintf(`
card:
  key_version: 1
  security_level: %q
keys:
  transport_key_file: transport.hex
key_service:
  mode: static
  static:
    enc_key_file: enc.hex
    mac_key_file: mac.hex
    dek_key_file: dek.hex
emulator:
  protocol: %d
`, level, protocol)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

// run executes one command line. Cobra keeps flag values between
// executions, so every subcommand flag is put back to its default first.
func run(t *testing.T, args ...string) error {
	t.Helper()
	flags = globalFlags{ReaderIndex: -1}
	metrics = nil
	for _, c := range rootCmd.Commands() {
		c.Flags().VisitAll(func(f *pflag.Flag) {
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				_ = sv.Replace(nil)
			} else {
				_ = f.Value.Set(f.DefValue)
			}
			f.Changed = false
		})
	}
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestAuthAgainstEmulator(t *testing.T) {
	tests := []struct {
		protocol int
		level    string
	}{
		{1, "cmac"},
		{1, "cmac+cdec"},
		{2, "cmac+cdec+rmac"},
		{3, "cmac+cdec"},
		{3, "cmac+cdec+rmac"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("SCP0%d %s", tt.protocol, tt.level), func(t *testing.T) {
			path := writeConfig(t, tt.protocol, tt.level)
			require.NoError(t, run(t, "--config", path, "--emulator", "auth"))
			require.NotNil(t, cfg)
			assert.Equal(t, tt.protocol, cfg.Emulator.Protocol)
		})
	}
}

func TestPersonalizationStepsAgainstEmulator(t *testing.T) {
	path := writeConfig(t, 3, "cmac+cdec")
	dir := filepath.Dir(path)
	newKey := filepath.Join(dir, "new.hex")

	require.NoError(t, run(t, "--config", path, "--emulator", "keyinfo", "--probe", "01,02"))
	require.NoError(t, run(t, "--config", path, "--emulator", "put-keys",
		"--new-kvn", "2", "--enc", newKey, "--mac", newKey, "--dek", newKey))
	require.NoError(t, run(t, "--config", path, "--emulator", "write-object",
		"--id", "0x0100", "--data", "CAFEBABE", "--create"))
	require.NoError(t, run(t, "--config", path, "--emulator", "lifecycle", "personalized"))

	loadFile := filepath.Join(dir, "applet.cap")
	require.NoError(t, os.WriteFile(loadFile, make([]byte, 600), 0o600))
	require.NoError(t, run(t, "--config", path, "--emulator", "load", loadFile,
		"--package-aid", "A0000000620001", "--module-aid", "A000000062000101", "--block-size", "128"))
}

func TestCommandErrors(t *testing.T) {
	path := writeConfig(t, 2, "cmac")

	err := run(t, "--config", path, "--emulator", "read-object", "--id", "1", "--length", "4")
	require.Error(t, err)
	assert.True(t, gp.IsNotFound(err) || gp.KindOf(err) != gp.KindUnknown, "unexpected error: %v", err)

	err = run(t, "--config", path, "--emulator", "put-keys", "--new-kvn", "2")
	assert.EqualError(t, err, "--enc is required")

	err = run(t, "--config", path, "--emulator", "lifecycle", "bogus")
	assert.Error(t, err)

	err = run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--emulator", "auth")
	assert.ErrorContains(t, err, "config load failed")
}

func TestParseHelpers(t *testing.T) {
	b, err := parseByte("0x20")
	require.NoError(t, err)
	assert.Equal(t, byte(0x20), b)

	b, err = parseLifecycle("Personalized")
	require.NoError(t, err)
	assert.Equal(t, gp.LifecyclePersonalized, b)

	_, err = parseByte("100")
	assert.Error(t, err)
}
