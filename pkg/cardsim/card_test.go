package cardsim_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/barnettlynn/gpscp/pkg/cardsim"
	"github.com/barnettlynn/gpscp/pkg/gp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	staticENC = mustHex("404142434445464748494A4B4C4D4E4F")
	staticMAC = mustHex("505152535455565758595A5B5C5D5E5F")
	staticDEK = mustHex("606162636465666768696A6B6C6D6E6F")
	transport = mustHex("000102030405060708090A0B0C0D0E0F")
	cplc      = mustHex("4790503147910000000000000000000001020304050600000000000000000000000000000000000000")
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCard(t *testing.T, p gp.Protocol, impl byte) *cardsim.Card {
	t.Helper()
	card, err := cardsim.New(cardsim.Config{
		Protocol:       p,
		Implementation: impl,
		KeySets:        []cardsim.KeySet{{Version: 0x01, ENC: staticENC, MAC: staticMAC, DEK: staticDEK}},
		CPLC:           cplc,
		Logger:         quietLogger(),
	})
	require.NoError(t, err)
	return card
}

type opener struct {
	provider  *gp.SoftwareProvider
	transport *gp.SymmetricKey
}

func newOpener(t *testing.T) *opener {
	t.Helper()
	p := gp.NewSoftwareProvider()
	kek, err := p.ImportKey(gp.KeySpec{Alg: gp.AES, Usage: gp.UsageWrap | gp.UsageUnwrap, Label: "transport"}, transport)
	require.NoError(t, err)
	return &opener{provider: p, transport: kek}
}

func (o *opener) open(card gp.Card, kvn byte, level gp.SecurityLevel, enc, mac, dek []byte) (gp.Session, error) {
	return gp.Open(context.Background(), card, gp.OpenConfig{
		KeyVersion:   kvn,
		Level:        level,
		ReadKeyInfo:  true,
		ReadCPLC:     true,
		Provider:     o.provider,
		KeyService:   &gp.StaticKeyService{ENC: enc, MAC: mac, DEK: dek, TransportKey: o.transport},
		TransportKey: o.transport,
		Options:      gp.Options{Logger: quietLogger()},
	})
}

func TestTokenOperationsOverEverySecurityLevel(t *testing.T) {
	tests := []struct {
		protocol gp.Protocol
		impl     byte
		level    gp.SecurityLevel
	}{
		{gp.SCP01, 0, gp.LevelCMAC},
		{gp.SCP01, 0, gp.LevelCMACCDEC},
		{gp.SCP02, 0x55, gp.LevelCMAC},
		{gp.SCP02, 0x55, gp.LevelCMACCDEC},
		{gp.SCP02, 0x15, gp.LevelCMAC | gp.LevelRMAC},
		{gp.SCP02, 0x55, gp.LevelCMACCDEC | gp.LevelRMAC},
		{gp.SCP03, 0x00, gp.LevelCMAC},
		{gp.SCP03, 0x00, gp.LevelCMACCDEC},
		{gp.SCP03, 0x10, gp.LevelCMAC | gp.LevelRMAC},
		{gp.SCP03, 0x70, gp.LevelCMACCDEC | gp.LevelRMAC},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/i=%02X/%s", tt.protocol, tt.impl, tt.level), func(t *testing.T) {
			card := newCard(t, tt.protocol, tt.impl)
			s, err := newOpener(t).open(card, 0x01, tt.level, staticENC, staticMAC, staticDEK)
			require.NoError(t, err)
			assert.Equal(t, gp.StateAuthenticated, s.State())
			assert.Equal(t, tt.level, s.SecurityLevel())
			assert.Equal(t, tt.protocol, s.ProtocolInfo().Protocol())

			token := gp.NewToken(s)
			token.Logger = quietLogger()

			require.NoError(t, token.SetIssuerInfo([]byte("issuer-01")))
			assert.Equal(t, []byte("issuer-01"), card.IssuerInfo())
			assert.Equal(t, gp.StateOperating, s.State())

			payload := bytes.Repeat([]byte{0xA5, 0x5A, 0x01}, 200)
			require.NoError(t, token.CreateObject(0x7A000000, uint32(len(payload)), gp.ObjectACL{Read: 0xFFFF}))
			require.NoError(t, token.WriteObject(0x7A000000, payload))
			stored, ok := card.Object(0x7A000000)
			require.True(t, ok)
			assert.Equal(t, payload, stored)

			got, err := token.ReadObject(0x7A000000, 10, 300)
			require.NoError(t, err)
			assert.Equal(t, payload[10:310], got)

			require.NoError(t, token.CreatePin(0x00, 5, []byte("123456")))
			require.NoError(t, token.ResetPin(0x00, []byte("654321")))
			value, retries, ok := card.Pin(0x00)
			require.True(t, ok)
			assert.Equal(t, []byte("654321"), value)
			assert.Equal(t, byte(5), retries)

			require.NoError(t, token.ImportKeyEncrypted(0x02, 0x03, []byte{0x01, 0x02, 0x03}))
			blob, ok := card.PrivateKey(0x02)
			require.True(t, ok)
			assert.Equal(t, []byte{0x01, 0x02, 0x03}, blob)

			pub, err := token.GenerateKey(gp.GenerateKeyRequest{PrivateKeyNumber: 0x04, PublicKeyNumber: 0x05, Algorithm: gp.AlgRSACRT, KeySize: 2048})
			require.NoError(t, err)
			assert.Len(t, pub, 32)
			pub, err = token.GenerateKeyECC(gp.GenerateKeyRequest{PrivateKeyNumber: 0x06, PublicKeyNumber: 0x07, KeySize: 256})
			require.NoError(t, err)
			assert.Len(t, pub, 32)

			require.NoError(t, token.DeleteObject(0x7A000000))
			_, ok = card.Object(0x7A000000)
			assert.False(t, ok)

			require.NoError(t, token.SetLifecycleState(gp.LifecyclePersonalized))
			assert.Equal(t, gp.LifecyclePersonalized, card.Lifecycle())

			require.NoError(t, s.Close())
			assert.Equal(t, gp.StateClosed, s.State())
		})
	}
}

func TestLoadInstallAndDelete(t *testing.T) {
	pkgAID := mustHex("A00000000101")
	moduleAID := mustHex("A0000000010101")
	instanceAID := mustHex("A0000000010102")
	loadFile := bytes.Repeat([]byte("CAP-FILE"), 150)

	for _, p := range []gp.Protocol{gp.SCP01, gp.SCP02, gp.SCP03} {
		t.Run(p.String(), func(t *testing.T) {
			card := newCard(t, p, 0)
			s, err := newOpener(t).open(card, 0x01, gp.LevelCMACCDEC, staticENC, staticMAC, staticDEK)
			require.NoError(t, err)
			token := gp.NewToken(s)

			require.NoError(t, token.InstallLoad(pkgAID, gp.DefaultSecurityDomainAID, nil))
			require.NoError(t, token.LoadFile(loadFile, 0xF0))
			stored, ok := card.Package(pkgAID)
			require.True(t, ok)
			assert.Equal(t, loadFile, stored)

			require.NoError(t, token.InstallApplet(pkgAID, moduleAID, instanceAID, 0x00, nil))
			assert.True(t, card.HasApplet(instanceAID))

			_, err = token.SelectApplet(instanceAID)
			require.NoError(t, err)

			require.NoError(t, token.Delete(pkgAID, true))
			assert.False(t, card.HasApplet(instanceAID))
			_, ok = card.Package(pkgAID)
			assert.False(t, ok)
		})
	}
}

func TestLoadFileRejectsTooManyBlocks(t *testing.T) {
	card := newCard(t, gp.SCP02, 0)
	s, err := newOpener(t).open(card, 0x01, gp.LevelCMAC, staticENC, staticMAC, staticDEK)
	require.NoError(t, err)

	before := card.Commands()
	err = gp.NewToken(s).LoadFile(make([]byte, 257*8), 16)
	assert.Equal(t, gp.KindProtocol, gp.KindOf(err))
	assert.Equal(t, before, card.Commands())
	assert.Equal(t, gp.StateFailed, s.State())
}

func TestPutKeysRotatesKeySet(t *testing.T) {
	newENC := mustHex("11111111111111112222222222222222")
	newMAC := mustHex("33333333333333334444444444444444")
	newDEK := mustHex("55555555555555556666666666666666")

	tests := []struct {
		protocol gp.Protocol
		alg      gp.Algorithm
	}{
		{gp.SCP01, gp.DES3},
		{gp.SCP02, gp.DES3},
		{gp.SCP03, gp.AES},
	}
	for _, tt := range tests {
		t.Run(tt.protocol.String(), func(t *testing.T) {
			card := newCard(t, tt.protocol, 0)
			o := newOpener(t)
			s, err := o.open(card, 0x01, gp.LevelCMACCDEC, staticENC, staticMAC, staticDEK)
			require.NoError(t, err)

			var keys []*gp.SymmetricKey
			for i, material := range [][]byte{newENC, newMAC, newDEK} {
				k, err := o.provider.ImportKey(gp.KeySpec{Alg: tt.alg, Usage: gp.UsageEncrypt, Label: fmt.Sprintf("key-%d", i+1)}, material)
				require.NoError(t, err)
				keys = append(keys, k)
			}
			require.NoError(t, gp.NewToken(s).PutKeys(o.provider, 0x00, 0x02, keys))

			ks, ok := card.KeySet(0x02)
			require.True(t, ok)
			assert.Equal(t, newENC, ks.ENC)
			assert.Equal(t, newMAC, ks.MAC)
			assert.Equal(t, newDEK, ks.DEK)

			s2, err := o.open(card, 0x02, gp.LevelCMACCDEC, newENC, newMAC, newDEK)
			require.NoError(t, err)
			assert.Equal(t, []byte{0x02, byte(tt.protocol)}, keyInfoData(t, s2))

			_, err = o.open(card, 0x02, gp.LevelCMACCDEC, staticENC, staticMAC, staticDEK)
			assert.Equal(t, gp.KindCryptogramMismatch, gp.KindOf(err))
		})
	}
}

func keyInfoData(t *testing.T, s gp.Session) []byte {
	t.Helper()
	type keyInfo interface{ KeyInformationData() []byte }
	k, ok := s.(keyInfo)
	require.True(t, ok)
	return k.KeyInformationData()
}

func TestPutKeysRejectsPartialKeySet(t *testing.T) {
	card := newCard(t, gp.SCP02, 0)
	o := newOpener(t)
	s, err := o.open(card, 0x01, gp.LevelCMACCDEC, staticENC, staticMAC, staticDEK)
	require.NoError(t, err)

	k, err := o.provider.ImportKey(gp.KeySpec{Alg: gp.DES3, Usage: gp.UsageEncrypt}, staticENC)
	require.NoError(t, err)
	err = gp.NewToken(s).PutKeys(o.provider, 0x00, 0x02, []*gp.SymmetricKey{k, k, k, k})
	assert.Equal(t, gp.KindProtocol, gp.KindOf(err))
	assert.Equal(t, gp.StateFailed, s.State())
}

func TestWrongStaticKeysReportCryptogramMismatch(t *testing.T) {
	for _, p := range []gp.Protocol{gp.SCP01, gp.SCP02, gp.SCP03} {
		t.Run(p.String(), func(t *testing.T) {
			card := newCard(t, p, 0)
			_, err := newOpener(t).open(card, 0x01, gp.LevelCMAC, staticMAC, staticENC, staticDEK)
			require.Error(t, err)
			assert.Equal(t, gp.KindCryptogramMismatch, gp.KindOf(err))
			// SELECT, GET DATA key info, GET DATA CPLC, INITIALIZE UPDATE.
			assert.Equal(t, 4, card.Commands(), "EXTERNAL AUTHENTICATE must not be sent")
		})
	}
}

func TestUnknownKeyVersion(t *testing.T) {
	card := newCard(t, gp.SCP03, 0)
	_, err := newOpener(t).open(card, 0x30, gp.LevelCMAC, staticENC, staticMAC, staticDEK)
	require.Error(t, err)
	assert.Equal(t, gp.KindProtocol, gp.KindOf(err))
	assert.True(t, gp.IsNotFound(err))
}

func TestRMACNotAvailableWithSCP01(t *testing.T) {
	card := newCard(t, gp.SCP01, 0)
	_, err := newOpener(t).open(card, 0x01, gp.LevelCMAC|gp.LevelRMAC, staticENC, staticMAC, staticDEK)
	assert.Equal(t, gp.KindProtocol, gp.KindOf(err))
}

func TestErrorStatusFailsSession(t *testing.T) {
	card := newCard(t, gp.SCP02, 0)
	s, err := newOpener(t).open(card, 0x01, gp.LevelCMACCDEC, staticENC, staticMAC, staticDEK)
	require.NoError(t, err)
	token := gp.NewToken(s)

	card.InjectStatus(gp.SWNotEnoughMemory)
	err = token.CreateObject(1, 16, gp.ObjectACL{})
	require.Error(t, err)
	assert.Equal(t, gp.KindProtocol, gp.KindOf(err))
	assert.Equal(t, uint16(gp.SWNotEnoughMemory), gp.KindOfSW(err))
	assert.Equal(t, gp.StateFailed, s.State())

	before := card.Commands()
	err = token.SetLifecycleState(gp.LifecyclePersonalized)
	assert.True(t, errors.Is(err, gp.ErrSessionFailed))
	assert.Equal(t, before, card.Commands(), "a failed session sends nothing")
	assert.NoError(t, s.Close())
	assert.Equal(t, gp.StateFailed, s.State())
}

func TestMissingObjectFailsSession(t *testing.T) {
	card := newCard(t, gp.SCP03, 0)
	s, err := newOpener(t).open(card, 0x01, gp.LevelCMACCDEC|gp.LevelRMAC, staticENC, staticMAC, staticDEK)
	require.NoError(t, err)

	_, err = gp.NewToken(s).ReadObject(99, 0, 4)
	require.Error(t, err)
	assert.True(t, gp.IsNotFound(err))
	assert.Equal(t, gp.StateFailed, s.State())
}

// tamperCard flips one bit of the next secure command on its way to the card.
type tamperCard struct {
	*cardsim.Card
	armed bool
}

func (c *tamperCard) Transmit(apdu []byte) ([]byte, error) {
	if c.armed && len(apdu) > 0 && apdu[0]&0x04 != 0 {
		c.armed = false
		apdu = append([]byte(nil), apdu...)
		apdu[len(apdu)-1] ^= 0x01
	}
	return c.Card.Transmit(apdu)
}

func TestTamperedCommandIsRejectedByCard(t *testing.T) {
	for _, p := range []gp.Protocol{gp.SCP01, gp.SCP02, gp.SCP03} {
		t.Run(p.String(), func(t *testing.T) {
			card := &tamperCard{Card: newCard(t, p, 0)}
			s, err := newOpener(t).open(card, 0x01, gp.LevelCMAC, staticENC, staticMAC, staticDEK)
			require.NoError(t, err)

			card.armed = true
			err = gp.NewToken(s).SetIssuerInfo([]byte{0x01})
			require.Error(t, err)
			assert.True(t, gp.IsSecurityNotSatisfied(err))
			assert.Equal(t, gp.StateFailed, s.State())
			assert.Empty(t, card.IssuerInfo())
		})
	}
}

// tamperResponse flips one bit of the R-MAC of the next successful response.
type tamperResponse struct {
	*cardsim.Card
	armed bool
}

func (c *tamperResponse) Transmit(apdu []byte) ([]byte, error) {
	resp, err := c.Card.Transmit(apdu)
	if err == nil && c.armed && len(resp) > 10 {
		c.armed = false
		resp[len(resp)-3] ^= 0x01
	}
	return resp, err
}

func TestTamperedRMACIsRejectedByHost(t *testing.T) {
	for _, p := range []gp.Protocol{gp.SCP02, gp.SCP03} {
		t.Run(p.String(), func(t *testing.T) {
			card := &tamperResponse{Card: newCard(t, p, 0)}
			s, err := newOpener(t).open(card, 0x01, gp.LevelCMACCDEC|gp.LevelRMAC, staticENC, staticMAC, staticDEK)
			require.NoError(t, err)
			token := gp.NewToken(s)
			require.NoError(t, token.CreateObject(1, 4, gp.ObjectACL{}))

			card.armed = true
			_, err = token.ReadObject(1, 0, 4)
			require.Error(t, err)
			assert.Equal(t, gp.KindCryptogramMismatch, gp.KindOf(err))
			assert.Equal(t, gp.StateFailed, s.State())
		})
	}
}

func TestProbeKeyVersions(t *testing.T) {
	card := newCard(t, gp.SCP02, 0)
	resp, err := card.Transmit(append(mustHex("00A4040008"), gp.DefaultSecurityDomainAID...))
	require.NoError(t, err)
	require.Equal(t, []byte{0x90, 0x00}, resp)

	found, err := gp.ProbeKeyVersions(card, gp.NewSoftwareProvider(), []byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	assert.Equal(t, map[byte]gp.Protocol{0x01: gp.SCP02}, found)
}

func TestPlainTokenCommandIsRefused(t *testing.T) {
	card := newCard(t, gp.SCP02, 0)
	resp, err := card.Transmit(mustHex("80F00F00"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x69, 0x82}, resp)
	assert.Equal(t, gp.LifecycleUninitialized, card.Lifecycle())
}

func TestSequenceCounterAdvancesPerSession(t *testing.T) {
	card := newCard(t, gp.SCP02, 0)
	o := newOpener(t)
	for i := 0; i < 3; i++ {
		s, err := o.open(card, 0x01, gp.LevelCMAC, staticENC, staticMAC, staticDEK)
		require.NoError(t, err)
		require.NoError(t, gp.NewToken(s).SetLifecycleState(byte(0x03+i)))
		require.NoError(t, s.Close())
	}
	assert.Equal(t, byte(0x05), card.Lifecycle())
}
