//go:build pkcs11

package hsm

import (
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/barnettlynn/gpscp/pkg/gp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestProvider needs an initialized token, e.g. SoftHSM2:
//
//	softhsm2-util --init-token --free --label gpscp --pin 1234 --so-pin 1234
//	PKCS11_LIBRARY=/usr/lib/softhsm/libsofthsm2.so PKCS11_PIN=1234 go test -tags pkcs11 ./pkg/hsm
func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	library := os.Getenv("PKCS11_LIBRARY")
	if library == "" {
		t.Skip("PKCS11_LIBRARY not set, skipping test")
	}
	p, err := New(Config{Library: library, PIN: os.Getenv("PKCS11_PIN")}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestImportedKeyMatchesSoftware(t *testing.T) {
	p := newTestProvider(t)
	for _, tt := range []struct {
		alg gp.Algorithm
		key string
	}{
		{gp.DES3, "404142434445464748494A4B4C4D4E4F"},
		{gp.AES, "404142434445464748494A4B4C4D4E4F"},
	} {
		t.Run(tt.alg.String(), func(t *testing.T) {
			spec := gp.KeySpec{Alg: tt.alg, Usage: gp.UsageEncrypt, Label: "kcv-" + tt.alg.String()}
			hk, err := p.ImportKey(spec, mustHex(t, tt.key))
			require.NoError(t, err)
			sk, err := gp.NewSoftwareKey(spec, mustHex(t, tt.key))
			require.NoError(t, err)

			want, err := gp.KeyCheckValue(sk)
			require.NoError(t, err)
			got, err := gp.KeyCheckValue(hk)
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.Equal(t, 16, hk.Len())
		})
	}
}

func TestWrapUnwrapStaysInToken(t *testing.T) {
	p := newTestProvider(t)
	kek, err := p.ImportKey(gp.KeySpec{Alg: gp.AES, Usage: gp.UsageWrap | gp.UsageUnwrap, Label: "transport"},
		mustHex(t, "000102030405060708090A0B0C0D0E0F"))
	require.NoError(t, err)

	plain := mustHex(t, "77AB873F813A0D647EAB50F7380B769B")
	soft, err := gp.NewSoftwareKey(gp.KeySpec{Alg: gp.AES, Usage: gp.UsageWrap}, mustHex(t, "000102030405060708090A0B0C0D0E0F"))
	require.NoError(t, err)
	wrapped, err := gp.WrapAESCBC(soft.Block(), nil, plain)
	require.NoError(t, err)

	spec := gp.KeySpec{Alg: gp.AES, Usage: gp.UsageEncrypt | gp.UsageMAC, Label: "s-enc"}
	sk, err := p.UnwrapKey(kek, gp.ModeAESCBC, spec, wrapped, nil)
	require.NoError(t, err)

	ref, err := gp.NewSoftwareKey(spec, plain)
	require.NoError(t, err)
	want, err := gp.KeyCheckValue(ref)
	require.NoError(t, err)
	got, err := gp.KeyCheckValue(sk)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	rewrapped, err := p.WrapKey(kek, gp.ModeAESCBC, sk, nil)
	require.NoError(t, err)
	assert.Equal(t, wrapped, rewrapped)
}

func TestRejectsForeignKeys(t *testing.T) {
	p := newTestProvider(t)
	soft, err := gp.NewSoftwareKey(gp.KeySpec{Alg: gp.AES, Usage: gp.UsageUnwrap}, make([]byte, 16))
	require.NoError(t, err)
	_, err = p.UnwrapKey(soft, gp.ModeAESCBC, gp.KeySpec{Alg: gp.AES}, make([]byte, 16), nil)
	assert.Error(t, err)

	r, err := p.Random(8)
	require.NoError(t, err)
	assert.Len(t, r, 8)
}

func TestClosedProviderFailsWithoutPanic(t *testing.T) {
	p := &Provider{log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	spec := gp.KeySpec{Alg: gp.AES, Usage: gp.UsageEncrypt, Label: "closed"}
	k := p.handle(spec, 16, 1)

	_, err := gp.KeyCheckValue(k)
	require.Error(t, err)
	assert.Equal(t, gp.KindKeyDerivation, gp.KindOf(err))
	assert.ErrorIs(t, err, errClosed)

	_, err = p.Random(8)
	assert.ErrorIs(t, err, errClosed)
	_, err = p.FindKey(spec)
	assert.ErrorIs(t, err, errClosed)
}
