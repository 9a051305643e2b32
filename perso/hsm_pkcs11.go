//go:build pkcs11

package main

import (
	"fmt"
	"log/slog"

	"github.com/barnettlynn/gpscp/pkg/gp"
	"github.com/barnettlynn/gpscp/pkg/hsm"
)

// openHSM logs into the configured token and finds the transport key by
// label. The PIN is prompted for when the config leaves it empty.
func openHSM(spec gp.KeySpec) (gp.Provider, *gp.SymmetricKey, func(), error) {
	c := cfg.Keys.PKCS11
	pin := c.PIN
	if pin == "" {
		var err error
		if pin, err = promptHidden("PKCS#11 user PIN: "); err != nil {
			return nil, nil, nil, fmt.Errorf("read PIN: %w", err)
		}
	}
	p, err := hsm.New(hsm.Config{Library: c.Library, Slot: c.Slot, PIN: pin}, slog.Default())
	if err != nil {
		return nil, nil, nil, err
	}
	k, err := p.FindKey(spec)
	if err != nil {
		_ = p.Close()
		return nil, nil, nil, err
	}
	release := func() {
		if err := p.Close(); err != nil {
			slog.Warn("PKCS#11 close failed", "error", err)
		}
	}
	return p, k, release, nil
}
