package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/barnettlynn/gpscp/pkg/gp"
	"gopkg.in/yaml.v3"
)

type ValidationMode int

const (
	// ValidationFull checks everything needed to talk to a physical card.
	ValidationFull ValidationMode = iota
	// ValidationEmulator drops the reader and requires static keys, which
	// the simulated card is built from.
	ValidationEmulator
)

type Config struct {
	Card       CardConfig       `yaml:"card"`
	Keys       KeysConfig       `yaml:"keys"`
	KeyService KeyServiceConfig `yaml:"key_service"`
	Emulator   EmulatorConfig   `yaml:"emulator"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
}

type CardConfig struct {
	// SecurityDomainAID is hex; empty selects the issuer security domain.
	SecurityDomainAID string `yaml:"security_domain_aid"`
	KeyVersion        int    `yaml:"key_version"`
	// SecurityLevel is a "+"-joined list of cmac, cdec and rmac.
	SecurityLevel string `yaml:"security_level"`
}

type KeysConfig struct {
	// Provider is "software" (default) or "pkcs11".
	Provider string `yaml:"provider"`
	// TransportKeyFile holds the key shared with the key service. Software
	// provider only.
	TransportKeyFile string `yaml:"transport_key_file"`
	// TransportAlgorithm is "aes" (default) or "des3".
	TransportAlgorithm string       `yaml:"transport_algorithm"`
	PKCS11             PKCS11Config `yaml:"pkcs11"`
}

type PKCS11Config struct {
	Library        string `yaml:"library"`
	Slot           *uint  `yaml:"slot"`
	PIN            string `yaml:"pin"`
	TransportLabel string `yaml:"transport_label"`
}

type KeyServiceConfig struct {
	// Mode is "static" or "tks".
	Mode   string       `yaml:"mode"`
	Static StaticConfig `yaml:"static"`
	TKS    TKSConfig    `yaml:"tks"`
}

type StaticConfig struct {
	ENCKeyFile string `yaml:"enc_key_file"`
	MACKeyFile string `yaml:"mac_key_file"`
	DEKKeyFile string `yaml:"dek_key_file"`
}

type TKSConfig struct {
	Endpoint          string `yaml:"endpoint"`
	CFClientID        string `yaml:"cf_client_id"`
	CFClientSecret    string `yaml:"cf_client_secret"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

type EmulatorConfig struct {
	// Protocol is 1, 2 or 3.
	Protocol       int `yaml:"protocol"`
	Implementation int `yaml:"implementation"`
}

type RuntimeConfig struct {
	ReaderIndex *int `yaml:"reader_index"`
}

func Load(path string) (*Config, error) {
	return LoadWithMode(path, ValidationFull)
}

func LoadWithMode(path string, mode ValidationMode) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.applyDefaults()
	cfg.resolvePaths(path)
	if err := cfg.ValidateWithMode(mode); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Keys.Provider) == "" {
		c.Keys.Provider = "software"
	}
	if strings.TrimSpace(c.Keys.TransportAlgorithm) == "" {
		c.Keys.TransportAlgorithm = "aes"
	}
	if strings.TrimSpace(c.KeyService.Mode) == "" {
		c.KeyService.Mode = "static"
	}
	if strings.TrimSpace(c.Card.SecurityLevel) == "" {
		c.Card.SecurityLevel = "cmac+cdec"
	}
	if c.Emulator.Protocol == 0 {
		c.Emulator.Protocol = 3
	}
}

func (c *Config) Validate() error {
	return c.ValidateWithMode(ValidationFull)
}

func (c *Config) ValidateWithMode(mode ValidationMode) error {
	if err := c.validateCommon(); err != nil {
		return err
	}

	switch mode {
	case ValidationEmulator:
		return c.validateEmulatorMode()
	case ValidationFull:
		return c.validateFullMode()
	default:
		return fmt.Errorf("unsupported validation mode: %d", mode)
	}
}

func (c *Config) validateCommon() error {
	if c.Card.SecurityDomainAID != "" {
		aid, err := c.SecurityDomainAID()
		if err != nil {
			return fmt.Errorf("config.card.security_domain_aid: %w", err)
		}
		if len(aid) < 5 || len(aid) > 16 {
			return fmt.Errorf("config.card.security_domain_aid must be 5..16 bytes, got %d", len(aid))
		}
	}
	if c.Card.KeyVersion < 0 || c.Card.KeyVersion > 0x7F {
		return fmt.Errorf("config.card.key_version must be 0..127")
	}
	if _, err := ParseSecurityLevel(c.Card.SecurityLevel); err != nil {
		return fmt.Errorf("config.card.security_level: %w", err)
	}

	switch c.Keys.TransportAlgorithm {
	case "aes", "des3":
	default:
		return fmt.Errorf("config.keys.transport_algorithm must be aes or des3, got %q", c.Keys.TransportAlgorithm)
	}
	switch c.Keys.Provider {
	case "software":
		if strings.TrimSpace(c.Keys.TransportKeyFile) == "" {
			return fmt.Errorf("config.keys.transport_key_file is required")
		}
		if err := validateReadableFile(c.Keys.TransportKeyFile, "config.keys.transport_key_file"); err != nil {
			return err
		}
	case "pkcs11":
		if strings.TrimSpace(c.Keys.PKCS11.Library) == "" {
			return fmt.Errorf("config.keys.pkcs11.library is required")
		}
		if strings.TrimSpace(c.Keys.PKCS11.TransportLabel) == "" {
			return fmt.Errorf("config.keys.pkcs11.transport_label is required")
		}
	default:
		return fmt.Errorf("config.keys.provider must be software or pkcs11, got %q", c.Keys.Provider)
	}

	switch c.KeyService.Mode {
	case "static":
		return c.validateStaticKeys()
	case "tks":
		if strings.TrimSpace(c.KeyService.TKS.Endpoint) == "" {
			return fmt.Errorf("config.key_service.tks.endpoint is required")
		}
		if c.KeyService.TKS.RequestsPerMinute < 0 {
			return fmt.Errorf("config.key_service.tks.requests_per_minute must be >= 0")
		}
		return nil
	default:
		return fmt.Errorf("config.key_service.mode must be static or tks, got %q", c.KeyService.Mode)
	}
}

func (c *Config) validateStaticKeys() error {
	for _, f := range []struct{ path, field string }{
		{c.KeyService.Static.ENCKeyFile, "config.key_service.static.enc_key_file"},
		{c.KeyService.Static.MACKeyFile, "config.key_service.static.mac_key_file"},
	} {
		if strings.TrimSpace(f.path) == "" {
			return fmt.Errorf("%s is required", f.field)
		}
		if err := validateReadableFile(f.path, f.field); err != nil {
			return err
		}
	}
	// SCP01 has no DEK.
	if c.KeyService.Static.DEKKeyFile != "" {
		return validateReadableFile(c.KeyService.Static.DEKKeyFile, "config.key_service.static.dek_key_file")
	}
	return nil
}

func (c *Config) validateFullMode() error {
	if c.Runtime.ReaderIndex != nil && *c.Runtime.ReaderIndex < 0 {
		return fmt.Errorf("config.runtime.reader_index must be >= 0")
	}
	return nil
}

func (c *Config) validateEmulatorMode() error {
	if c.KeyService.Mode != "static" {
		return fmt.Errorf("emulator mode requires config.key_service.mode static")
	}
	if c.Keys.Provider != "software" {
		return fmt.Errorf("emulator mode requires config.keys.provider software")
	}
	switch c.Emulator.Protocol {
	case 1:
	case 2, 3:
		if c.KeyService.Static.DEKKeyFile == "" {
			return fmt.Errorf("config.key_service.static.dek_key_file is required for SCP0%d", c.Emulator.Protocol)
		}
	default:
		return fmt.Errorf("config.emulator.protocol must be 1, 2 or 3, got %d", c.Emulator.Protocol)
	}
	if c.Emulator.Implementation < 0 || c.Emulator.Implementation > 0xFF {
		return fmt.Errorf("config.emulator.implementation must be 0..255")
	}
	return nil
}

// SecurityDomainAID decodes the configured AID, or returns nil.
func (c *Config) SecurityDomainAID() ([]byte, error) {
	s := strings.TrimSpace(c.Card.SecurityDomainAID)
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

// SecurityLevel returns the parsed card.security_level.
func (c *Config) SecurityLevel() gp.SecurityLevel {
	l, _ := ParseSecurityLevel(c.Card.SecurityLevel)
	return l
}

// ParseSecurityLevel parses "cmac", "cmac+cdec", "cmac+cdec+rmac" and the
// like. C-MAC is implied by cdec and rmac.
func ParseSecurityLevel(s string) (gp.SecurityLevel, error) {
	var level gp.SecurityLevel
	for _, part := range strings.Split(strings.ToLower(s), "+") {
		switch strings.TrimSpace(part) {
		case "cmac":
			level |= gp.LevelCMAC
		case "cdec":
			level |= gp.LevelCMAC | gp.LevelCDEC
		case "rmac":
			level |= gp.LevelCMAC | gp.LevelRMAC
		default:
			return 0, fmt.Errorf("unknown security level %q", part)
		}
	}
	return level, nil
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.Keys.TransportKeyFile = resolvePath(configDir, c.Keys.TransportKeyFile)
	c.KeyService.Static.ENCKeyFile = resolvePath(configDir, c.KeyService.Static.ENCKeyFile)
	c.KeyService.Static.MACKeyFile = resolvePath(configDir, c.KeyService.Static.MACKeyFile)
	c.KeyService.Static.DEKKeyFile = resolvePath(configDir, c.KeyService.Static.DEKKeyFile)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}
