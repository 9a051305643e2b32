package gp

import (
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedCard records every APDU and answers from a queue, 9000 when empty.
type scriptedCard struct {
	sent      [][]byte
	responses [][]byte
	err       error
}

func (c *scriptedCard) Transmit(apdu []byte) ([]byte, error) {
	c.sent = append(c.sent, append([]byte(nil), apdu...))
	if c.err != nil {
		return nil, c.err
	}
	if len(c.responses) > 0 {
		r := c.responses[0]
		c.responses = c.responses[1:]
		return r, nil
	}
	return []byte{0x90, 0x00}, nil
}

func (c *scriptedCard) last() []byte {
	return c.sent[len(c.sent)-1]
}

func testKey(t *testing.T, alg Algorithm, usage Usage, label, material string) *SymmetricKey {
	t.Helper()
	k, err := NewSoftwareKey(KeySpec{Alg: alg, Usage: usage, Scope: ScopeSession, Label: label}, mustHex(t, material))
	require.NoError(t, err)
	return k
}

func scp02Config(t *testing.T, impl byte) SCP02Config {
	return SCP02Config{
		Info: NewProtocolInfo(GP211, SCP02, impl, nil),
		Keys: SCP02Keys{
			ENC:  testKey(t, DES3, UsageEncrypt|UsageDecrypt, "enc", "25C9794A1205FF244F5FA0378D2F8D59"),
			CMAC: testKey(t, DES3, UsageMAC|UsageEncrypt, "cmac", "9BED98891580C3B245FE9EC58BFA8D2A"),
			RMAC: testKey(t, DES3, UsageMAC|UsageEncrypt, "rmac", "8EB6CF25BA4DECD820BF4E9FA616C50A"),
			DEK:  testKey(t, DES3, UsageEncrypt|UsageWrap, "dek", "0E51FDF196141F227A57BD154012FD39"),
		},
		SequenceCounter:        mustHex(t, "0001"),
		HostChallenge:          mustHex(t, "1122334455667788"),
		CardChallenge:          mustHex(t, "A1A2A3A4A5A6"),
		CardCryptogram:         mustHex(t, "78346582C3C8226C"),
		KeyDiversificationData: mustHex(t, "00010203040506070809"),
		KeyInfoData:            []byte{0x01, 0x02},
	}
}

func scp03Config(t *testing.T) SCP03Config {
	return SCP03Config{
		Info: NewProtocolInfo(GP211, SCP03, 0x00, nil),
		Keys: SCP03Keys{
			ENC:  testKey(t, AES, UsageEncrypt|UsageDecrypt, "s-enc", "77AB873F813A0D647EAB50F7380B769B"),
			MAC:  testKey(t, AES, UsageMAC|UsageEncrypt, "s-mac", "1193D25E820A5D2B104A97B1F46FB413"),
			RMAC: testKey(t, AES, UsageMAC|UsageEncrypt, "s-rmac", "17F0BD4E1986E45A262D5E22B3086203"),
			DEK:  testKey(t, AES, UsageEncrypt|UsageWrap, "dek", staticENC),
		},
		HostChallenge:          mustHex(t, "0102030405060708"),
		CardChallenge:          mustHex(t, "A1A2A3A4A5A6A7A8"),
		CardCryptogram:         mustHex(t, "D5EE72813EA0C6AC"),
		KeyDiversificationData: mustHex(t, "00010203040506070809"),
		KeyInfoData:            []byte{0x01, 0x03},
	}
}

func scp01Config(t *testing.T) SCP01Config {
	return SCP01Config{
		Info: NewProtocolInfo(GP201, SCP01, 0x05, nil),
		Keys: SCP01Keys{
			ENC: testKey(t, DES3, UsageEncrypt|UsageDecrypt, "enc", "5DCE938392D360E73D172A540E65F627"),
			MAC: testKey(t, DES3, UsageMAC|UsageEncrypt, "mac", "668B98BA02E60015CC1F540A4A9C2185"),
		},
		HostChallenge:          mustHex(t, "0102030405060708"),
		CardChallenge:          mustHex(t, "1112131415161718"),
		CardCryptogram:         mustHex(t, "0B3B7219CD88311D"),
		HostCryptogram:         mustHex(t, "D8347BB6939D0B3A"),
		KeyDiversificationData: mustHex(t, "00010203040506070809"),
		KeyInfoData:            []byte{0x01, 0x01},
	}
}

func TestSCP02ExternalAuthenticateWireFormat(t *testing.T) {
	card := &scriptedCard{}
	s, err := NewSCP02Session(card, scp02Config(t, 0x55))
	require.NoError(t, err)
	assert.Equal(t, StateCreated, s.State())
	assert.Equal(t, make([]byte, 8), s.ICV())

	cc, err := s.ComputeCardCryptogram()
	require.NoError(t, err)
	assert.Equal(t, "78346582C3C8226C", hexString(cc))
	hc, err := s.ComputeHostCryptogram()
	require.NoError(t, err)
	assert.Equal(t, "9458E531B23761E5", hexString(hc))

	require.NoError(t, s.SetSecurityLevel(LevelCMAC))
	require.NoError(t, s.ExternalAuthenticate())
	assert.Equal(t, StateAuthenticated, s.State())

	// The EXTERNAL AUTHENTICATE MAC never uses an encrypted ICV.
	assert.Equal(t, "84820100109458E531B23761E5E6878DF6B0F4C954", hexString(card.last()))
	assert.Equal(t, "E6878DF6B0F4C954", hexString(s.ICV()))
}

func TestSCP02MACChaining(t *testing.T) {
	cmacKey := mustHex(t, "9BED98891580C3B245FE9EC58BFA8D2A")
	card := &scriptedCard{}
	s, err := NewSCP02Session(card, scp02Config(t, 0x05))
	require.NoError(t, err)
	require.NoError(t, s.SetSecurityLevel(LevelCMAC))
	require.NoError(t, s.ExternalAuthenticate())

	prev := s.ICV()
	for i, data := range [][]byte{{0x01}, nil, mustHex(t, "00112233445566778899AABBCCDDEEFF")} {
		f := SetIssuerInfoCommand(data)
		require.NoError(t, s.ComputeAPDU(f))

		header := []byte{0x84, f.Ins, f.P1, f.P2, byte(len(data) + 8)}
		want, err := RetailMAC(cmacKey, prev, Pad80(concat(header, data), 8, true))
		require.NoError(t, err)
		assert.Equal(t, want, f.MAC, "command %d", i)
		assert.Equal(t, f.MAC, s.ICV())
		prev = f.MAC
	}
}

func TestSCP02ICVEncryption(t *testing.T) {
	cmacKey := mustHex(t, "9BED98891580C3B245FE9EC58BFA8D2A")
	s, err := NewSCP02Session(&scriptedCard{}, scp02Config(t, 0x55))
	require.NoError(t, err)
	require.NoError(t, s.SetSecurityLevel(LevelCMAC))
	require.NoError(t, s.ExternalAuthenticate())

	icv := s.ICV()
	encrypted := make([]byte, 8)
	k, err := NewSoftwareKey(KeySpec{Alg: DES3, Usage: UsageMAC}, cmacKey)
	require.NoError(t, err)
	k.single.Encrypt(encrypted, icv)

	f := SetLifecycleCommand(LifecyclePersonalized)
	require.NoError(t, s.ComputeAPDU(f))
	want, err := RetailMAC(cmacKey, encrypted, Pad80([]byte{0x84, 0xF0, 0x0F, 0x00, 0x08}, 8, true))
	require.NoError(t, err)
	assert.Equal(t, want, f.MAC)
}

func TestSCP02EncryptsWithForcedPadding(t *testing.T) {
	s, err := NewSCP02Session(&scriptedCard{}, scp02Config(t, 0x05))
	require.NoError(t, err)
	require.NoError(t, s.ExternalAuthenticate())

	data := mustHex(t, "0102030405060708")
	f := SetIssuerInfoCommand(data)
	require.NoError(t, s.ComputeAPDU(f))
	require.Len(t, f.EncryptedData, 16)

	enc := testKey(t, DES3, UsageDecrypt, "enc", "25C9794A1205FF244F5FA0378D2F8D59")
	plain, err := cbcDecrypt(enc.Block(), nil, f.EncryptedData)
	require.NoError(t, err)
	assert.Equal(t, Pad80(data, 8, true), plain)

	raw, err := f.Bytes()
	require.NoError(t, err)
	assert.Equal(t, byte(0x84), raw[0])
	assert.Equal(t, byte(16+8), raw[4])
}

func TestSCP03ChainingAndCounter(t *testing.T) {
	smac := mustHex(t, "1193D25E820A5D2B104A97B1F46FB413")
	senc := mustHex(t, "77AB873F813A0D647EAB50F7380B769B")
	card := &scriptedCard{}
	s, err := NewSCP03Session(card, scp03Config(t))
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), s.ICV())

	hc, err := s.ComputeHostCryptogram()
	require.NoError(t, err)
	assert.Equal(t, "5E2AF174FD9D89F5", hexString(hc))

	require.NoError(t, s.ExternalAuthenticate())
	eaMAC, err := AESCMAC(smac, concat(make([]byte, 16), mustHex(t, "8482030010"), hc))
	require.NoError(t, err)
	assert.Equal(t, eaMAC, s.ICV())
	assert.Equal(t, eaMAC[:8], card.last()[len(card.last())-8:])

	// A command without data still consumes a counter value.
	require.NoError(t, s.ComputeAPDU(SetLifecycleCommand(LifecyclePersonalized)))
	chain := s.ICV()

	data := mustHex(t, "CAFE")
	f := SetIssuerInfoCommand(data)
	require.NoError(t, s.ComputeAPDU(f))

	block, err := aes.NewCipher(senc)
	require.NoError(t, err)
	counter := make([]byte, 16)
	counter[15] = 2
	iv := make([]byte, 16)
	block.Encrypt(iv, counter)
	plain := make([]byte, len(f.EncryptedData))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, f.EncryptedData)
	assert.Equal(t, Pad80(data, 16, true), plain)

	full, err := AESCMAC(smac, concat(chain, []byte{0x84, 0xF4, 0x00, 0x00, 16 + 8}, f.EncryptedData))
	require.NoError(t, err)
	assert.Equal(t, full[:8], f.MAC)
	assert.Equal(t, full, s.ICV())
}

func TestSCP03RMACMismatchFailsSession(t *testing.T) {
	card := &scriptedCard{}
	s, err := NewSCP03Session(card, scp03Config(t))
	require.NoError(t, err)
	require.NoError(t, s.SetSecurityLevel(LevelCMAC|LevelRMAC))
	require.NoError(t, s.ExternalAuthenticate())

	card.responses = [][]byte{append(make([]byte, 12), 0x90, 0x00)}
	_, err = NewToken(s).GetData(TagCPLC)
	require.Error(t, err)
	assert.Equal(t, KindCryptogramMismatch, KindOf(err))
	assert.Equal(t, StateFailed, s.State())
}

func TestSCP03RMACAccepted(t *testing.T) {
	srmac := mustHex(t, "17F0BD4E1986E45A262D5E22B3086203")
	card := &scriptedCard{}
	s, err := NewSCP03Session(card, scp03Config(t))
	require.NoError(t, err)
	require.NoError(t, s.SetSecurityLevel(LevelCMAC|LevelRMAC))
	require.NoError(t, s.ExternalAuthenticate())

	f := GetDataCommand(TagCPLC)
	require.NoError(t, s.ComputeAPDU(f))
	body := mustHex(t, "0102030405")
	rmac, err := AESCMAC(srmac, concat(s.ICV(), body, []byte{0x90, 0x00}))
	require.NoError(t, err)

	// Replay the verification the way Send does after transmit.
	card.responses = [][]byte{concat(body, rmac[:8], []byte{0x90, 0x00})}
	data, err := s.transmit(f)
	require.NoError(t, err)
	assert.Equal(t, body, data)
}

func TestSCP01ExternalAuthenticateUsesSuppliedHostCryptogram(t *testing.T) {
	card := &scriptedCard{}
	s, err := NewSCP01Session(card, scp01Config(t))
	require.NoError(t, err)

	cc, err := s.ComputeCardCryptogram()
	require.NoError(t, err)
	assert.Equal(t, "0B3B7219CD88311D", hexString(cc))

	require.NoError(t, s.ExternalAuthenticate())
	sent := card.last()
	assert.Equal(t, "8482030010D8347BB6939D0B3A", hexString(sent[:13]))

	want, err := FullTDESMAC(mustHex(t, "668B98BA02E60015CC1F540A4A9C2185"), nil,
		Pad80(mustHex(t, "8482030010D8347BB6939D0B3A"), 8, true))
	require.NoError(t, err)
	assert.Equal(t, want, sent[13:])
}

func TestSCP01EncryptionPadsOnlyUnalignedData(t *testing.T) {
	s, err := NewSCP01Session(&scriptedCard{}, scp01Config(t))
	require.NoError(t, err)
	require.NoError(t, s.ExternalAuthenticate())

	// Lc || 7 bytes is block aligned and is not padded.
	f := SetIssuerInfoCommand(mustHex(t, "01020304050607"))
	require.NoError(t, s.ComputeAPDU(f))
	assert.Len(t, f.EncryptedData, 8)

	f = SetIssuerInfoCommand(mustHex(t, "0102030405060708"))
	require.NoError(t, s.ComputeAPDU(f))
	assert.Len(t, f.EncryptedData, 16)
}

func TestCryptogramsAreOrderSensitive(t *testing.T) {
	cfg := scp02Config(t, 0x55)
	cfg.HostChallenge, cfg.CardChallenge = mustHex(t, "A1A2A3A4A5A61122"), mustHex(t, "334455667788")
	s, err := NewSCP02Session(&scriptedCard{}, cfg)
	require.NoError(t, err)
	cc, err := s.ComputeCardCryptogram()
	require.NoError(t, err)
	assert.NotEqual(t, "78346582C3C8226C", hexString(cc))

	s3cfg := scp03Config(t)
	s3cfg.HostChallenge, s3cfg.CardChallenge = s3cfg.CardChallenge, s3cfg.HostChallenge
	s3, err := NewSCP03Session(&scriptedCard{}, s3cfg)
	require.NoError(t, err)
	cc, err = s3.ComputeCardCryptogram()
	require.NoError(t, err)
	assert.NotEqual(t, "D5EE72813EA0C6AC", hexString(cc))
}

func TestCryptogramMismatchFailsSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	cfg := scp02Config(t, 0x55)
	cfg.CardCryptogram = mustHex(t, "0000000000000000")
	cfg.Metrics = metrics
	card := &scriptedCard{}
	s, err := NewSCP02Session(card, cfg)
	require.NoError(t, err)

	err = s.ExternalAuthenticate()
	require.Error(t, err)
	assert.Equal(t, KindCryptogramMismatch, KindOf(err))
	assert.Equal(t, StateFailed, s.State())
	assert.Empty(t, card.sent, "nothing may be sent after a bad card cryptogram")

	_, err = NewToken(s).GetData(TagCPLC)
	assert.True(t, errors.Is(err, ErrSessionFailed))
	assert.True(t, errors.Is(s.ExternalAuthenticate(), ErrSessionFailed))
	_, err = s.ComputeCardCryptogram()
	assert.True(t, errors.Is(err, ErrSessionFailed))
	_, err = s.ComputeHostCryptogram()
	assert.True(t, errors.Is(err, ErrSessionFailed))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuthTotal.WithLabelValues("SCP02", ResultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SessionsEnded.WithLabelValues("failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Sessions.WithLabelValues("failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Sessions.WithLabelValues("created")))
}

func TestCryptogramsRefusedAfterAbortOrClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	s3cfg := scp03Config(t)
	s3cfg.Metrics = metrics
	s3, err := NewSCP03Session(&scriptedCard{}, s3cfg)
	require.NoError(t, err)
	require.Error(t, s3.Abort(nil))
	_, err = s3.ComputeCardCryptogram()
	assert.True(t, errors.Is(err, ErrSessionFailed))
	_, err = s3.ComputeHostCryptogram()
	assert.True(t, errors.Is(err, ErrSessionFailed))

	s1cfg := scp01Config(t)
	s1cfg.Metrics = metrics
	s1, err := NewSCP01Session(&scriptedCard{}, s1cfg)
	require.NoError(t, err)
	require.NoError(t, s1.Close())
	_, err = s1.ComputeCardCryptogram()
	assert.True(t, errors.Is(err, ErrSessionClosed))
	_, err = s1.ComputeHostCryptogram()
	assert.True(t, errors.Is(err, ErrSessionClosed))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SessionsEnded.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SessionsEnded.WithLabelValues("closed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Sessions.WithLabelValues("created")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Sessions.WithLabelValues("closed")))
}

// failingBlock stands in for a token cipher whose device went away.
type failingBlock struct{}

func (failingBlock) BlockSize() int { return aes.BlockSize }

func (failingBlock) Encrypt(dst, src []byte) {
	panic(&ProviderFailure{Op: "token encrypt", Err: errors.New("device removed")})
}

func (failingBlock) Decrypt(dst, src []byte) {
	panic(&ProviderFailure{Op: "token decrypt", Err: errors.New("device removed")})
}

func TestProviderFailureFailsSession(t *testing.T) {
	spec := KeySpec{Alg: AES, Usage: UsageEncrypt | UsageDecrypt | UsageMAC, Label: "token"}
	broken := NewKeyHandle(spec, 16, failingBlock{}, nil)

	_, err := KeyCheckValue(broken)
	assert.Equal(t, KindKeyDerivation, KindOf(err))
	var pf *ProviderFailure
	assert.True(t, errors.As(err, &pf))

	cfg := scp03Config(t)
	cfg.Keys.MAC = broken
	s, err := NewSCP03Session(&scriptedCard{}, cfg)
	require.NoError(t, err)
	err = s.ExternalAuthenticate()
	assert.Equal(t, KindKeyDerivation, KindOf(err))
	assert.Equal(t, StateFailed, s.State())

	// ENC is only used once C-DEC protects a command with data.
	cfg = scp03Config(t)
	cfg.Keys.ENC = broken
	card := &scriptedCard{}
	s, err = NewSCP03Session(card, cfg)
	require.NoError(t, err)
	require.NoError(t, s.ExternalAuthenticate())
	card.sent = nil

	err = NewToken(s).SetIssuerInfo([]byte{0x01, 0x02})
	assert.Equal(t, KindKeyDerivation, KindOf(err))
	assert.Equal(t, StateFailed, s.State())
	assert.Empty(t, card.sent)
}

func TestForeignPanicIsNotRecovered(t *testing.T) {
	cfg := scp03Config(t)
	cfg.Keys.MAC = NewKeyHandle(KeySpec{Alg: AES, Usage: UsageMAC | UsageEncrypt}, 16, panicBlock{}, nil)
	s, err := NewSCP03Session(&scriptedCard{}, cfg)
	require.NoError(t, err)
	assert.Panics(t, func() { _, _ = s.ComputeCardCryptogram() })
}

type panicBlock struct{ failingBlock }

func (panicBlock) Encrypt(dst, src []byte) { panic("index out of range") }

func TestCardRejectingHostCryptogramFailsSession(t *testing.T) {
	card := &scriptedCard{responses: [][]byte{{0x63, 0x00}}}
	s, err := NewSCP02Session(card, scp02Config(t, 0x55))
	require.NoError(t, err)

	err = s.ExternalAuthenticate()
	assert.Equal(t, KindCryptogramMismatch, KindOf(err))
	assert.Equal(t, uint16(SWVerificationFailed), KindOfSW(err))
	assert.Equal(t, StateFailed, s.State())
}

func TestStatusWordFailsSession(t *testing.T) {
	card := &scriptedCard{}
	s, err := NewSCP03Session(card, scp03Config(t))
	require.NoError(t, err)
	require.NoError(t, s.ExternalAuthenticate())

	card.responses = [][]byte{{0x6A, 0x88}}
	err = NewToken(s).DeleteObject(7)
	require.Error(t, err)
	assert.Equal(t, KindProtocol, KindOf(err))
	var gerr *Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, uint16(SWReferencedNotFound), gerr.SW)
	assert.Equal(t, StateFailed, s.State())
}

func TestTransportErrorFailsSession(t *testing.T) {
	card := &scriptedCard{}
	s, err := NewSCP02Session(card, scp02Config(t, 0x55))
	require.NoError(t, err)
	require.NoError(t, s.ExternalAuthenticate())

	card.err = errors.New("reader removed")
	err = NewToken(s).SetLifecycleState(LifecyclePersonalized)
	assert.Equal(t, KindTransport, KindOf(err))
	assert.Equal(t, StateFailed, s.State())
}

func TestOperatingAndClose(t *testing.T) {
	s, err := NewSCP02Session(&scriptedCard{}, scp02Config(t, 0x55))
	require.NoError(t, err)

	err = NewToken(s).SetLifecycleState(LifecyclePersonalized)
	assert.True(t, errors.Is(err, ErrNotAuthenticated) || KindOf(err) == KindProtocol)

	s, err = NewSCP02Session(&scriptedCard{}, scp02Config(t, 0x55))
	require.NoError(t, err)
	require.NoError(t, s.ExternalAuthenticate())
	require.NoError(t, NewToken(s).SetLifecycleState(LifecyclePersonalized))
	assert.Equal(t, StateOperating, s.State())

	require.Error(t, s.SetSecurityLevel(LevelCMAC), "level is fixed after authentication")
	assert.Equal(t, StateFailed, s.State())

	s, err = NewSCP02Session(&scriptedCard{}, scp02Config(t, 0x55))
	require.NoError(t, err)
	require.NoError(t, s.ExternalAuthenticate())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	_, err = s.Send(SetLifecycleCommand(LifecyclePersonalized))
	assert.True(t, errors.Is(err, ErrSessionClosed))
}

func TestSetSecurityLevelValidation(t *testing.T) {
	s, err := NewSCP01Session(&scriptedCard{}, scp01Config(t))
	require.NoError(t, err)
	err = s.SetSecurityLevel(LevelCMAC | LevelRMAC)
	assert.Equal(t, KindProtocol, KindOf(err))

	s3, err := NewSCP03Session(&scriptedCard{}, scp03Config(t))
	require.NoError(t, err)
	assert.Error(t, s3.SetSecurityLevel(LevelCDEC))
}

func TestConstructorsValidateInputs(t *testing.T) {
	cfg := scp02Config(t, 0x55)
	cfg.Keys.DEK = nil
	_, err := NewSCP02Session(&scriptedCard{}, cfg)
	assert.Equal(t, KindKeyDerivation, KindOf(err))

	cfg = scp02Config(t, 0x55)
	cfg.SequenceCounter = nil
	_, err = NewSCP02Session(&scriptedCard{}, cfg)
	assert.Equal(t, KindProtocol, KindOf(err))

	cfg = scp02Config(t, 0x55)
	cfg.Info = NewProtocolInfo(GP211, SCP02, 0x55, []byte{0xE0, 0x05, 0x00})
	_, err = NewSCP02Session(&scriptedCard{}, cfg)
	assert.Equal(t, KindMalformedKeyInfo, KindOf(err))

	_, err = NewSCP02Session(nil, scp02Config(t, 0x55))
	assert.Error(t, err)

	s3cfg := scp03Config(t)
	s3cfg.Info = NewProtocolInfo(GP211, SCP02, 0x55, nil)
	_, err = NewSCP03Session(&scriptedCard{}, s3cfg)
	assert.Error(t, err)

	s1cfg := scp01Config(t)
	s1cfg.HostCryptogram = nil
	_, err = NewSCP01Session(&scriptedCard{}, s1cfg)
	assert.Error(t, err)
}

func TestEncryptKeyBlocks(t *testing.T) {
	p := NewSoftwareProvider()
	newKey := testKey(t, DES3, UsageEncrypt, "new-enc", staticENC)

	s, err := NewSCP02Session(&scriptedCard{}, scp02Config(t, 0x55))
	require.NoError(t, err)
	block, err := s.EncryptKey(p, newKey)
	require.NoError(t, err)
	require.Len(t, block, 2+16+1+3)
	assert.Equal(t, []byte{0x80, 0x10}, block[:2])
	assert.Equal(t, "038BAF47", hexString(block[18:]))

	s3, err := NewSCP03Session(&scriptedCard{}, scp03Config(t))
	require.NoError(t, err)
	aesKey := testKey(t, AES, UsageEncrypt, "new-enc", staticENC)
	block, err = s3.EncryptKey(p, aesKey)
	require.NoError(t, err)
	require.Len(t, block, 3+16+1+3)
	assert.Equal(t, []byte{0x88, 0x11, 0x10}, block[:3])
	assert.Equal(t, "03504A77", hexString(block[19:]))

	_, err = s3.EncryptKey(p, newKey)
	assert.Equal(t, KindKeyDerivation, KindOf(err))
}
