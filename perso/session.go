package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/barnettlynn/gpscp/pkg/cardsim"
	"github.com/barnettlynn/gpscp/pkg/gp"
	"github.com/barnettlynn/gpscp/pkg/tks"
)

// target is the card a command talks to.
type target struct {
	card  gp.Card
	sim   *cardsim.Card
	close func()
}

func connect() (*target, error) {
	if flags.Emulator {
		return simulatedCard()
	}

	idx := flags.ReaderIndex
	if idx < 0 && cfg.Runtime.ReaderIndex != nil {
		idx = *cfg.Runtime.ReaderIndex
	}
	if idx < 0 {
		var err error
		if idx, err = chooseReader(); err != nil {
			return nil, err
		}
	}
	conn, err := gp.Connect(idx)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Using reader [%d]: %s\n", conn.ReaderIdx, conn.Reader)
	return &target{card: conn, close: conn.Close}, nil
}

func chooseReader() (int, error) {
	readers, err := gp.ListReaders()
	if err != nil {
		return -1, err
	}
	switch len(readers) {
	case 0:
		return -1, fmt.Errorf("no readers found")
	case 1:
		return 0, nil
	}
	idx := selectMenu("Select a reader:", readers)
	if idx < 0 {
		return -1, fmt.Errorf("%d readers attached, pass --reader or set config.runtime.reader_index", len(readers))
	}
	return idx, nil
}

// staticKeys loads the static ENC, MAC and optional DEK key files.
func staticKeys() (enc, mac, dek []byte, err error) {
	s := cfg.KeyService.Static
	if enc, err = gp.LoadKeyHexFile(s.ENCKeyFile); err != nil {
		return nil, nil, nil, fmt.Errorf("ENC key file invalid: %w", err)
	}
	if mac, err = gp.LoadKeyHexFile(s.MACKeyFile); err != nil {
		return nil, nil, nil, fmt.Errorf("MAC key file invalid: %w", err)
	}
	if s.DEKKeyFile != "" {
		if dek, err = gp.LoadKeyHexFile(s.DEKKeyFile); err != nil {
			return nil, nil, nil, fmt.Errorf("DEK key file invalid: %w", err)
		}
	}
	return enc, mac, dek, nil
}

// simulatedCard builds a fresh in-memory card holding the static key set.
// Its state does not outlive the command.
func simulatedCard() (*target, error) {
	enc, mac, dek, err := staticKeys()
	if err != nil {
		return nil, err
	}
	kvn := byte(cfg.Card.KeyVersion)
	if kvn == 0 {
		kvn = 0x01
	}
	aid, err := cfg.SecurityDomainAID()
	if err != nil {
		return nil, err
	}
	sim, err := cardsim.New(cardsim.Config{
		Protocol:          gp.Protocol(cfg.Emulator.Protocol),
		Implementation:    byte(cfg.Emulator.Implementation),
		KeySets:           []cardsim.KeySet{{Version: kvn, ENC: enc, MAC: mac, DEK: dek}},
		SecurityDomainAID: aid,
		Logger:            slog.Default(),
	})
	if err != nil {
		return nil, err
	}
	fmt.Printf("Using simulated SCP0%d card (key version 0x%02X)\n", cfg.Emulator.Protocol, kvn)
	return &target{card: sim, sim: sim, close: func() {}}, nil
}

// keyProvider returns the provider holding session keys and the transport
// key shared with the key service.
func keyProvider() (gp.Provider, *gp.SymmetricKey, func(), error) {
	alg := gp.AES
	if cfg.Keys.TransportAlgorithm == "des3" {
		alg = gp.DES3
	}
	spec := gp.KeySpec{Alg: alg, Usage: gp.UsageEncrypt | gp.UsageWrap | gp.UsageUnwrap, Scope: gp.ScopePermanent, Label: "transport"}

	if cfg.Keys.Provider == "pkcs11" {
		spec.Label = cfg.Keys.PKCS11.TransportLabel
		return openHSM(spec)
	}

	raw, err := gp.LoadKeyHexFile(cfg.Keys.TransportKeyFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("transport key file invalid: %w", err)
	}
	p := gp.NewSoftwareProvider()
	k, err := p.ImportKey(spec, raw)
	if err != nil {
		return nil, nil, nil, err
	}
	return p, k, func() {}, nil
}

func keyService(transport *gp.SymmetricKey) (gp.KeyService, error) {
	if cfg.KeyService.Mode == "tks" {
		t := cfg.KeyService.TKS
		c := tks.NewClient(t.Endpoint, t.RequestsPerMinute)
		c.ClientID, c.ClientSecret = t.CFClientID, t.CFClientSecret
		slog.Debug("using token key service", "endpoint", c.BaseURL)
		return c, nil
	}
	enc, mac, dek, err := staticKeys()
	if err != nil {
		return nil, err
	}
	return &gp.StaticKeyService{ENC: enc, MAC: mac, DEK: dek, TransportKey: transport}, nil
}

// channel is an authenticated session and everything it depends on.
type channel struct {
	target   *target
	provider gp.Provider
	session  gp.Session
	token    *gp.Token
	release  func()
}

func (c *channel) Close() {
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			slog.Warn("session close failed", "error", err)
		}
	}
	c.release()
	c.target.close()
}

// openChannel connects to the card and authenticates with the configured
// keys and security level.
func openChannel(ctx context.Context) (*channel, error) {
	t, err := connect()
	if err != nil {
		return nil, err
	}
	provider, transport, release, err := keyProvider()
	if err != nil {
		t.close()
		return nil, err
	}
	ch := &channel{target: t, provider: provider, release: release}

	svc, err := keyService(transport)
	if err != nil {
		ch.Close()
		return nil, err
	}
	aid, err := cfg.SecurityDomainAID()
	if err != nil {
		ch.Close()
		return nil, err
	}

	s, err := gp.Open(ctx, t.card, gp.OpenConfig{
		SecurityDomainAID: aid,
		KeyVersion:        byte(cfg.Card.KeyVersion),
		Level:             cfg.SecurityLevel(),
		ReadKeyInfo:       true,
		// Key services select diversified keys by CUID.
		ReadCPLC:     cfg.KeyService.Mode == "tks",
		Provider:     provider,
		KeyService:   svc,
		TransportKey: transport,
		Options:      gp.Options{Logger: slog.Default(), Metrics: metrics},
	})
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("open secure channel: %w", err)
	}
	ch.session = s
	ch.token = gp.NewToken(s)
	slog.Info("secure channel open",
		"session", s.ID(),
		"protocol", s.ProtocolInfo().String(),
		"level", s.SecurityLevel().String())
	return ch, nil
}

// withChannel runs fn inside an authenticated session.
func withChannel(ctx context.Context, fn func(*channel) error) error {
	ch, err := openChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()
	return fn(ch)
}
