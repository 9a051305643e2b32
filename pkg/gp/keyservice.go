package gp

import (
	"context"
)

// SessionKeyRequest is what the host knows after INITIALIZE UPDATE.
type SessionKeyRequest struct {
	Protocol               Protocol
	Implementation         byte
	KeyVersion             byte
	CUID                   []byte
	KeyDiversificationData []byte
	HostChallenge          []byte
	CardChallenge          []byte
	SequenceCounter        []byte
	CardCryptogram         []byte
}

// SessionKeyMaterial is a key service answer. Keys are wrapped under the
// transport key shared by the host and the key service; cryptograms are
// clear.
//
// SessionKey is the MAC session key (SCP01 MAC, SCP02 C-MAC, SCP03 S-MAC).
// DEKSessionKey is the SCP02 DEK session key or the static DEK for SCP01
// and SCP03. KeyCheck is the check value of the DEK.
type SessionKeyMaterial struct {
	SessionKey      []byte
	EncSessionKey   []byte
	RMACSessionKey  []byte
	DEKSessionKey   []byte
	KeyCheck        []byte
	HostCryptogram  []byte
	CardCryptogram  []byte
	DRMTransportKey []byte
}

// KeyService computes session keys for a card without exposing the static
// keys to the host.
type KeyService interface {
	SessionKeys(ctx context.Context, req SessionKeyRequest) (*SessionKeyMaterial, error)
}

// TransportWrapMode picks the wrap mode for keys exchanged under kek.
func TransportWrapMode(kek *SymmetricKey) WrapMode {
	if kek != nil && kek.Alg() == AES {
		return ModeAESCBC
	}
	return ModeDES3ECB
}

// StaticKeyService derives session material locally from a static key set.
// It stands in for a remote key service with development cards and the
// simulator.
type StaticKeyService struct {
	ENC []byte
	MAC []byte
	DEK []byte
	// TransportKey wraps every returned key. It must allow UsageWrap.
	TransportKey *SymmetricKey
}

// SessionKeys implements KeyService.
func (s *StaticKeyService) SessionKeys(ctx context.Context, req SessionKeyRequest) (_ *SessionKeyMaterial, err error) {
	defer recoverProvider("session keys", &err)
	if err := ctx.Err(); err != nil {
		return nil, wrapError(KindKeyDerivation, "session keys", err, "context")
	}
	if err := s.TransportKey.require("session keys", UsageWrap); err != nil {
		return nil, err
	}
	var m *sessionMaterial
	switch req.Protocol {
	case SCP01:
		m, err = s.scp01(req)
	case SCP02:
		m, err = s.scp02(req)
	case SCP03:
		m, err = s.scp03(req)
	default:
		return nil, newError(KindKeyDerivation, "session keys", "unsupported protocol %v", req.Protocol)
	}
	if err != nil {
		return nil, err
	}
	return m.wrap(s.TransportKey)
}

// sessionMaterial is SessionKeyMaterial before wrapping.
type sessionMaterial struct {
	alg                 Algorithm
	mac, enc, rmac, dek []byte
	host, card          []byte
}

func (m *sessionMaterial) wrap(kek *SymmetricKey) (*SessionKeyMaterial, error) {
	wrap := func(material []byte) ([]byte, error) {
		if material == nil {
			return nil, nil
		}
		if TransportWrapMode(kek) == ModeAESCBC {
			return WrapAESCBC(kek.Block(), nil, material)
		}
		return WrapDES3ECB(kek.Block(), material)
	}
	out := &SessionKeyMaterial{HostCryptogram: m.host, CardCryptogram: m.card}
	for _, f := range []struct {
		dst *[]byte
		src []byte
	}{
		{&out.SessionKey, m.mac},
		{&out.EncSessionKey, m.enc},
		{&out.RMACSessionKey, m.rmac},
		{&out.DEKSessionKey, m.dek},
	} {
		w, err := wrap(f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = w
	}
	if m.dek != nil {
		dek, err := NewSoftwareKey(KeySpec{Alg: m.alg, Usage: UsageEncrypt}, m.dek)
		if err != nil {
			return nil, err
		}
		if out.KeyCheck, err = KeyCheckValue(dek); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func des3Cryptogram(key []byte, parts ...[]byte) ([]byte, error) {
	in := concat(parts...)
	if len(in) != 16 {
		return nil, newError(KindKeyDerivation, "cryptogram", "input must be 16 bytes, got %d", len(in))
	}
	return FullTDESMAC(key, nil, Pad80(in, 8, true))
}

func (s *StaticKeyService) scp01(req SessionKeyRequest) (*sessionMaterial, error) {
	enc, err := DeriveSCP01SessionKey(s.ENC, req.HostChallenge, req.CardChallenge)
	if err != nil {
		return nil, err
	}
	mac, err := DeriveSCP01SessionKey(s.MAC, req.HostChallenge, req.CardChallenge)
	if err != nil {
		return nil, err
	}
	card, err := des3Cryptogram(enc, req.HostChallenge, req.CardChallenge)
	if err != nil {
		return nil, err
	}
	host, err := des3Cryptogram(enc, req.CardChallenge, req.HostChallenge)
	if err != nil {
		return nil, err
	}
	return &sessionMaterial{alg: DES3, mac: mac, enc: enc, dek: s.DEK, host: host, card: card}, nil
}

func (s *StaticKeyService) scp02(req SessionKeyRequest) (*sessionMaterial, error) {
	m := &sessionMaterial{alg: DES3}
	for _, d := range []struct {
		dst     *[]byte
		static  []byte
		purpose [2]byte
	}{
		{&m.enc, s.ENC, PurposeENC},
		{&m.mac, s.MAC, PurposeCMAC},
		{&m.rmac, s.MAC, PurposeRMAC},
		{&m.dek, s.DEK, PurposeDEK},
	} {
		k, err := DeriveSCP02SessionKey(d.static, req.SequenceCounter, d.purpose)
		if err != nil {
			return nil, err
		}
		*d.dst = k
	}
	var err error
	if m.card, err = des3Cryptogram(m.enc, req.HostChallenge, req.SequenceCounter, req.CardChallenge); err != nil {
		return nil, err
	}
	if m.host, err = des3Cryptogram(m.enc, req.SequenceCounter, req.CardChallenge, req.HostChallenge); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *StaticKeyService) scp03(req SessionKeyRequest) (*sessionMaterial, error) {
	context := concat(req.HostChallenge, req.CardChallenge)
	bits := len(s.ENC) * 8
	m := &sessionMaterial{alg: AES, dek: s.DEK}
	for _, d := range []struct {
		dst      *[]byte
		static   []byte
		constant byte
	}{
		{&m.enc, s.ENC, DerivSENC},
		{&m.mac, s.MAC, DerivSMAC},
		{&m.rmac, s.MAC, DerivSRMAC},
	} {
		k, err := DeriveSCP03Key(d.static, d.constant, context, bits)
		if err != nil {
			return nil, err
		}
		*d.dst = k
	}
	var err error
	if m.card, err = KDFSCP03(m.mac, context, DerivCardCryptogram); err != nil {
		return nil, err
	}
	if m.host, err = KDFSCP03(m.mac, context, DerivHostCryptogram); err != nil {
		return nil, err
	}
	return m, nil
}
