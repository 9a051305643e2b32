package gp

import (
	"github.com/skythen/apdu"
)

// SCP01Keys are the SCP01 session keys. DEK is the static key encryption
// key and is only needed for PUT KEY.
type SCP01Keys struct {
	ENC *SymmetricKey
	MAC *SymmetricKey
	DEK *SymmetricKey
}

// SCP01Config is everything a key service and INITIALIZE UPDATE produce for
// an SCP01 session. HostCryptogram is the value computed by the key service.
type SCP01Config struct {
	Info                   ProtocolInfo
	Keys                   SCP01Keys
	HostChallenge          []byte
	CardChallenge          []byte
	CardCryptogram         []byte
	HostCryptogram         []byte
	KeyDiversificationData []byte
	KeyInfoData            []byte
	Options
}

// SCP01Session implements SCP01 (GlobalPlatform 2.0.1).
type SCP01Session struct {
	*channel
	keys SCP01Keys
}

// NewSCP01Session validates cfg and returns a session in StateCreated.
func NewSCP01Session(card Card, cfg SCP01Config) (*SCP01Session, error) {
	const op = "new scp01 session"
	if card == nil {
		return nil, newError(KindProtocol, op, "card is required")
	}
	if !cfg.Info.IsSCP01() {
		return nil, newError(KindProtocol, op, "protocol info is %s", cfg.Info.Protocol())
	}
	if err := cfg.Keys.ENC.require(op, UsageEncrypt); err != nil {
		return nil, err
	}
	if err := cfg.Keys.MAC.require(op, UsageMAC); err != nil {
		return nil, err
	}
	if cfg.Keys.DEK != nil {
		if err := cfg.Keys.DEK.require(op, UsageWrap); err != nil {
			return nil, err
		}
	}
	if err := requireLen(op, "host challenge", cfg.HostChallenge, 8); err != nil {
		return nil, err
	}
	if err := requireLen(op, "card challenge", cfg.CardChallenge, 8); err != nil {
		return nil, err
	}
	if err := requireLen(op, "card cryptogram", cfg.CardCryptogram, 8); err != nil {
		return nil, err
	}
	if err := requireLen(op, "host cryptogram", cfg.HostCryptogram, 8); err != nil {
		return nil, err
	}
	if err := requireNonEmpty(op, "key diversification data", cfg.KeyDiversificationData); err != nil {
		return nil, err
	}
	if err := requireNonEmpty(op, "key information", cfg.KeyInfoData); err != nil {
		return nil, err
	}

	s := &SCP01Session{
		channel: newChannel(card, cfg.Info, 8, cfg.Options),
		keys:    cfg.Keys,
	}
	s.sec = s
	s.hostChallenge = clone(cfg.HostChallenge)
	s.cardChallenge = clone(cfg.CardChallenge)
	s.cardCryptogram = clone(cfg.CardCryptogram)
	s.hostCryptogram = clone(cfg.HostCryptogram)
	s.kdd = clone(cfg.KeyDiversificationData)
	s.keyInfoData = clone(cfg.KeyInfoData)
	s.log.Info("secure channel created")
	return s, nil
}

func (s *SCP01Session) cryptogram(op string, parts ...[]byte) (_ []byte, err error) {
	defer s.guard(op, &err)
	if err := s.usable(); err != nil {
		return nil, err
	}
	in := concat(parts...)
	if len(in) != 16 {
		return nil, s.fail(newError(KindProtocol, op, "cryptogram input must be 16 bytes, got %d", len(in)))
	}
	mac, err := fullMAC(s.keys.ENC.Block(), nil, Pad80(in, 8, true))
	if err != nil {
		return nil, s.fail(wrapError(KindProtocol, op, err, "mac"))
	}
	return mac, nil
}

// ComputeCardCryptogram is the full 3DES MAC of host || card challenge
// under the ENC session key.
func (s *SCP01Session) ComputeCardCryptogram() ([]byte, error) {
	return s.cryptogram("card cryptogram", s.hostChallenge, s.cardChallenge)
}

// ComputeHostCryptogram is the full 3DES MAC of card || host challenge
// under the ENC session key.
func (s *SCP01Session) ComputeHostCryptogram() ([]byte, error) {
	return s.cryptogram("host cryptogram", s.cardChallenge, s.hostChallenge)
}

// ExternalAuthenticate verifies the card cryptogram and sends the host
// cryptogram supplied by the key service.
func (s *SCP01Session) ExternalAuthenticate() error {
	supplied := s.hostCryptogram
	return s.externalAuthenticate(s.ComputeCardCryptogram, func() ([]byte, error) {
		return supplied, nil
	})
}

// computeAPDU MACs the clear command, then encrypts Lc || data with
// 80-padding only when the length is not a multiple of 8.
func (s *SCP01Session) computeAPDU(f *CommandFrame) error {
	isEA := f.Kind == CmdExternalAuthenticate
	if !isEA && !s.level.CMAC() {
		return nil
	}
	header := f.macHeader(len(f.Data), 8)
	mac, err := fullMAC(s.keys.MAC.Block(), s.icv, Pad80(concat(header, f.Data), 8, true))
	if err != nil {
		return wrapError(KindProtocol, f.Kind.String(), err, "c-mac")
	}
	f.Cla |= 0x04
	f.MAC = mac
	s.icv = clone(mac)

	if !isEA && s.level.CDEC() && len(f.Data) > 0 {
		plain := Pad80(concat([]byte{byte(len(f.Data))}, f.Data), 8, false)
		enc, err := cbcEncrypt(s.keys.ENC.Block(), nil, plain)
		if err != nil {
			return wrapError(KindProtocol, f.Kind.String(), err, "encrypt")
		}
		f.EncryptedData = enc
	}
	return nil
}

func (s *SCP01Session) verifyResponse(_ *CommandFrame, r apdu.Rapdu) ([]byte, error) {
	return r.Data, nil
}

// EncryptKey builds the PUT KEY block for a DES3 key under the static DEK.
func (s *SCP01Session) EncryptKey(p Provider, key *SymmetricKey) ([]byte, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if s.keys.DEK == nil {
		return nil, newError(KindKeyDerivation, "encrypt key", "no DEK configured")
	}
	return encryptDES3KeyBlock(p, s.keys.DEK, key)
}
