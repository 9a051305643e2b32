package gp

import (
	"crypto/subtle"

	"github.com/skythen/apdu"
)

// SCP03Keys are the AES session keys of an SCP03 channel.
type SCP03Keys struct {
	ENC  *SymmetricKey
	MAC  *SymmetricKey
	RMAC *SymmetricKey
	// DEK is the static data encryption key used for PUT KEY.
	DEK *SymmetricKey
}

// SCP03Config is everything a key service and INITIALIZE UPDATE produce for
// an SCP03 session.
type SCP03Config struct {
	Info          ProtocolInfo
	Keys          SCP03Keys
	HostChallenge []byte
	CardChallenge []byte
	// SequenceCounter is the optional 3-byte counter of pseudo-random
	// card challenges.
	SequenceCounter        []byte
	CardCryptogram         []byte
	KeyDiversificationData []byte
	KeyInfoData            []byte
	Options
}

// SCP03Session implements SCP03 (GlobalPlatform Amendment D).
type SCP03Session struct {
	*channel
	keys SCP03Keys
	// counter is the C-DEC block counter, incremented for every encrypted
	// command, with or without data.
	counter [16]byte
}

// NewSCP03Session validates cfg and returns a session in StateCreated.
func NewSCP03Session(card Card, cfg SCP03Config) (*SCP03Session, error) {
	const op = "new scp03 session"
	if card == nil {
		return nil, newError(KindProtocol, op, "card is required")
	}
	if !cfg.Info.IsSCP03() {
		return nil, newError(KindProtocol, op, "protocol info is %s", cfg.Info.Protocol())
	}
	for _, k := range []struct {
		key *SymmetricKey
		use Usage
	}{
		{cfg.Keys.ENC, UsageEncrypt},
		{cfg.Keys.MAC, UsageMAC},
		{cfg.Keys.RMAC, UsageMAC},
		{cfg.Keys.DEK, UsageWrap},
	} {
		if err := k.key.require(op, k.use); err != nil {
			return nil, err
		}
		if k.key.Alg() != AES {
			return nil, newError(KindProtocol, op, "key %q is %s, want AES", k.key.Label(), k.key.Alg())
		}
	}
	if err := requireLen(op, "host challenge", cfg.HostChallenge, 8); err != nil {
		return nil, err
	}
	if err := requireLen(op, "card challenge", cfg.CardChallenge, 8); err != nil {
		return nil, err
	}
	if n := len(cfg.SequenceCounter); n != 0 && n != 3 {
		return nil, newError(KindProtocol, op, "sequence counter must be 3 bytes, got %d", n)
	}
	if err := requireLen(op, "card cryptogram", cfg.CardCryptogram, 8); err != nil {
		return nil, err
	}
	if err := requireNonEmpty(op, "key diversification data", cfg.KeyDiversificationData); err != nil {
		return nil, err
	}
	if err := requireNonEmpty(op, "key information", cfg.KeyInfoData); err != nil {
		return nil, err
	}

	s := &SCP03Session{
		channel: newChannel(card, cfg.Info, 16, cfg.Options),
		keys:    cfg.Keys,
	}
	s.sec = s
	s.seq = clone(cfg.SequenceCounter)
	s.hostChallenge = clone(cfg.HostChallenge)
	s.cardChallenge = clone(cfg.CardChallenge)
	s.cardCryptogram = clone(cfg.CardCryptogram)
	s.kdd = clone(cfg.KeyDiversificationData)
	s.keyInfoData = clone(cfg.KeyInfoData)
	s.log.Info("secure channel created", "implementation", hexString([]byte{cfg.Info.Implementation()}))
	return s, nil
}

func (s *SCP03Session) cryptogram(op string, constant byte) (_ []byte, err error) {
	defer s.guard(op, &err)
	if err := s.usable(); err != nil {
		return nil, err
	}
	context := concat(s.hostChallenge, s.cardChallenge)
	if len(context) != 16 {
		return nil, s.fail(newError(KindProtocol, op, "cryptogram context must be 16 bytes, got %d", len(context)))
	}
	return kdfBlock(s.keys.MAC.Block(), constant, context, 64), nil
}

// ComputeCardCryptogram derives the card cryptogram from S-MAC with
// context host challenge || card challenge.
func (s *SCP03Session) ComputeCardCryptogram() ([]byte, error) {
	return s.cryptogram("card cryptogram", DerivCardCryptogram)
}

// ComputeHostCryptogram derives the host cryptogram from S-MAC with
// context host challenge || card challenge.
func (s *SCP03Session) ComputeHostCryptogram() ([]byte, error) {
	return s.cryptogram("host cryptogram", DerivHostCryptogram)
}

func (s *SCP03Session) ExternalAuthenticate() error {
	return s.externalAuthenticate(s.ComputeCardCryptogram, s.ComputeHostCryptogram)
}

func (s *SCP03Session) incrementCounter() {
	for i := len(s.counter) - 1; i >= 0; i-- {
		s.counter[i]++
		if s.counter[i] != 0 {
			return
		}
	}
}

// computeAPDU encrypts first, then MACs the encrypted command. The MAC is
// the first 8 bytes of AES-CMAC over the 16-byte chaining value, the header
// and the payload; the full CMAC becomes the next chaining value.
func (s *SCP03Session) computeAPDU(f *CommandFrame) error {
	isEA := f.Kind == CmdExternalAuthenticate
	if !isEA && !s.level.CMAC() {
		return nil
	}
	if !isEA && s.level.CDEC() {
		s.incrementCounter()
		if len(f.Data) > 0 {
			iv := make([]byte, 16)
			s.keys.ENC.Block().Encrypt(iv, s.counter[:])
			enc, err := cbcEncrypt(s.keys.ENC.Block(), iv, Pad80(f.Data, 16, true))
			if err != nil {
				return wrapError(KindProtocol, f.Kind.String(), err, "encrypt")
			}
			f.EncryptedData = enc
		}
	}
	payload := f.Payload()
	full := cmacBlock(s.keys.MAC.Block(), concat(s.icv, f.macHeader(len(payload), 8), payload))
	f.Cla |= 0x04
	f.MAC = clone(full[:8])
	s.icv = full
	return nil
}

// verifyResponse checks and strips the R-MAC: CMAC under S-RMAC over the
// current chaining value || response data || SW.
func (s *SCP03Session) verifyResponse(f *CommandFrame, r apdu.Rapdu) ([]byte, error) {
	if !s.level.RMAC() || f.Kind == CmdExternalAuthenticate {
		return r.Data, nil
	}
	if len(r.Data) < 8 {
		return nil, newError(KindProtocol, f.Kind.String(), "response too short for R-MAC: %d bytes", len(r.Data))
	}
	data, got := r.Data[:len(r.Data)-8], r.Data[len(r.Data)-8:]
	want := cmacBlock(s.keys.RMAC.Block(), concat(s.icv, data, []byte{r.SW1, r.SW2}))[:8]
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return nil, &Error{Kind: KindCryptogramMismatch, Op: f.Kind.String(), Msg: "R-MAC mismatch"}
	}
	return data, nil
}

// EncryptKey builds the PUT KEY block for an AES key:
// 88 || len+1 || len || DEK-CBC(key) || 03 || KCV.
func (s *SCP03Session) EncryptKey(p Provider, key *SymmetricKey) ([]byte, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	const op = "encrypt key"
	if key == nil || key.Alg() != AES {
		return nil, newError(KindKeyDerivation, op, "PUT KEY requires an AES key")
	}
	wrapped, err := p.WrapKey(s.keys.DEK, ModeAESCBC, key, nil)
	if err != nil {
		return nil, err
	}
	kcv, err := KeyCheckValue(key)
	if err != nil {
		return nil, err
	}
	return concat([]byte{0x88, byte(len(wrapped) + 1), byte(key.Len())}, wrapped, []byte{byte(len(kcv))}, kcv), nil
}
