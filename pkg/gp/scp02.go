package gp

import (
	"crypto/cipher"
	"crypto/subtle"

	"github.com/skythen/apdu"
)

// SCP02Keys are the four SCP02 session keys.
type SCP02Keys struct {
	ENC  *SymmetricKey
	CMAC *SymmetricKey
	RMAC *SymmetricKey
	DEK  *SymmetricKey
}

// SCP02Config is everything a key service and INITIALIZE UPDATE produce for
// an SCP02 session.
type SCP02Config struct {
	Info                   ProtocolInfo
	Keys                   SCP02Keys
	SequenceCounter        []byte
	HostChallenge          []byte
	CardChallenge          []byte
	CardCryptogram         []byte
	KeyDiversificationData []byte
	KeyInfoData            []byte
	Options
}

// SCP02Session implements SCP02 (GlobalPlatform 2.1.1 Appendix E).
type SCP02Session struct {
	*channel
	keys SCP02Keys

	cmacSingle cipher.Block
	rmacSingle cipher.Block
	rmacICV    []byte
	// lastCommand is the clear header and data of the last command, the
	// prefix of the next R-MAC input.
	lastCommand []byte
}

// NewSCP02Session validates cfg and returns a session in StateCreated.
func NewSCP02Session(card Card, cfg SCP02Config) (*SCP02Session, error) {
	const op = "new scp02 session"
	if card == nil {
		return nil, newError(KindProtocol, op, "card is required")
	}
	if !cfg.Info.IsSCP02() {
		return nil, newError(KindProtocol, op, "protocol info is %s", cfg.Info.Protocol())
	}
	for _, k := range []struct {
		key *SymmetricKey
		use Usage
	}{
		{cfg.Keys.ENC, UsageEncrypt},
		{cfg.Keys.CMAC, UsageMAC},
		{cfg.Keys.RMAC, UsageMAC},
		{cfg.Keys.DEK, UsageWrap},
	} {
		if err := k.key.require(op, k.use); err != nil {
			return nil, err
		}
		if k.key.Alg() != DES3 {
			return nil, newError(KindProtocol, op, "key %q is %s, want DES3", k.key.Label(), k.key.Alg())
		}
	}
	if err := requireLen(op, "sequence counter", cfg.SequenceCounter, 2); err != nil {
		return nil, err
	}
	if err := requireLen(op, "host challenge", cfg.HostChallenge, 8); err != nil {
		return nil, err
	}
	if err := requireLen(op, "card challenge", cfg.CardChallenge, 6); err != nil {
		return nil, err
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
	cmacSingle, err := cfg.Keys.CMAC.singleDES()
	if err != nil {
		return nil, err
	}
	rmacSingle, err := cfg.Keys.RMAC.singleDES()
	if err != nil {
		return nil, err
	}

	s := &SCP02Session{
		channel:    newChannel(card, cfg.Info, 8, cfg.Options),
		keys:       cfg.Keys,
		cmacSingle: cmacSingle,
		rmacSingle: rmacSingle,
		rmacICV:    make([]byte, 8),
	}
	s.sec = s
	s.seq = clone(cfg.SequenceCounter)
	s.hostChallenge = clone(cfg.HostChallenge)
	s.cardChallenge = clone(cfg.CardChallenge)
	s.cardCryptogram = clone(cfg.CardCryptogram)
	s.kdd = clone(cfg.KeyDiversificationData)
	s.keyInfoData = clone(cfg.KeyInfoData)

	if tlv := cfg.Info.KeyInfo(); len(tlv) > 0 {
		idx, err := cfg.Info.CalculateLatestKeySetIndex(tlv)
		if err != nil {
			s.setState(StateFailed)
			return nil, err
		}
		s.log.Debug("key information", "latest_key_set_index", idx)
	}
	s.log.Info("secure channel created",
		"sequence_counter", hexString(s.seq),
		"implementation", hexString([]byte{cfg.Info.Implementation()}))
	return s, nil
}

func (s *SCP02Session) cryptogram(op string, parts ...[]byte) (_ []byte, err error) {
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

// ComputeCardCryptogram is the full 3DES MAC of host || seq || card
// challenge under the ENC session key.
func (s *SCP02Session) ComputeCardCryptogram() ([]byte, error) {
	return s.cryptogram("card cryptogram", s.hostChallenge, s.seq, s.cardChallenge)
}

// ComputeHostCryptogram is the full 3DES MAC of seq || card challenge ||
// host challenge under the ENC session key.
func (s *SCP02Session) ComputeHostCryptogram() ([]byte, error) {
	return s.cryptogram("host cryptogram", s.seq, s.cardChallenge, s.hostChallenge)
}

func (s *SCP02Session) ExternalAuthenticate() error {
	return s.externalAuthenticate(s.ComputeCardCryptogram, s.ComputeHostCryptogram)
}

func (s *SCP02Session) computeAPDU(f *CommandFrame) error {
	isEA := f.Kind == CmdExternalAuthenticate
	if !isEA && !s.level.CMAC() {
		return nil
	}
	if err := s.computeMAC(f, isEA); err != nil {
		return err
	}
	if !isEA && s.level.CDEC() && len(f.Data) > 0 {
		enc, err := cbcEncrypt(s.keys.ENC.Block(), nil, Pad80(f.Data, 8, true))
		if err != nil {
			return wrapError(KindProtocol, f.Kind.String(), err, "encrypt")
		}
		f.EncryptedData = enc
	}
	return nil
}

// computeMAC computes the retail C-MAC over the clear header and data.
// With ICV encryption the chaining value is first encrypted with the
// single-DES half of the C-MAC key, except for EXTERNAL AUTHENTICATE.
func (s *SCP02Session) computeMAC(f *CommandFrame, isEA bool) error {
	icv := s.icv
	if !isEA && s.info.ICVEncryption() {
		icv = make([]byte, 8)
		s.cmacSingle.Encrypt(icv, s.icv)
	}
	header := f.macHeader(len(f.Data), 8)
	mac, err := retailMAC(s.cmacSingle, s.keys.CMAC.Block(), icv, Pad80(concat(header, f.Data), 8, true))
	if err != nil {
		return wrapError(KindProtocol, f.Kind.String(), err, "c-mac")
	}
	f.Cla |= 0x04
	f.MAC = mac
	s.icv = clone(mac)
	s.lastCommand = concat(header[:4], []byte{byte(len(f.Data))}, f.Data)
	return nil
}

// verifyResponse checks and strips the R-MAC: a retail MAC under the R-MAC
// key over the last command || Lr || response data || SW, chained from the
// previous R-MAC.
func (s *SCP02Session) verifyResponse(f *CommandFrame, r apdu.Rapdu) ([]byte, error) {
	if !s.level.RMAC() || f.Kind == CmdExternalAuthenticate {
		return r.Data, nil
	}
	if len(r.Data) < 8 {
		return nil, newError(KindProtocol, f.Kind.String(), "response too short for R-MAC: %d bytes", len(r.Data))
	}
	data, got := r.Data[:len(r.Data)-8], r.Data[len(r.Data)-8:]
	in := concat(s.lastCommand, []byte{byte(len(data))}, data, []byte{r.SW1, r.SW2})
	want, err := retailMAC(s.rmacSingle, s.keys.RMAC.Block(), s.rmacICV, Pad80(in, 8, true))
	if err != nil {
		return nil, wrapError(KindProtocol, f.Kind.String(), err, "r-mac")
	}
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return nil, &Error{Kind: KindCryptogramMismatch, Op: f.Kind.String(), Msg: "R-MAC mismatch"}
	}
	s.rmacICV = want
	return data, nil
}

// EncryptKey builds the PUT KEY block for a DES3 key:
// 80 || 10 || DEK-ECB(key) || 03 || KCV.
func (s *SCP02Session) EncryptKey(p Provider, key *SymmetricKey) ([]byte, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	return encryptDES3KeyBlock(p, s.keys.DEK, key)
}

func encryptDES3KeyBlock(p Provider, dek, key *SymmetricKey) ([]byte, error) {
	const op = "encrypt key"
	if key == nil || key.Alg() != DES3 || key.Len() != 16 {
		return nil, newError(KindKeyDerivation, op, "PUT KEY requires a 16-byte DES3 key")
	}
	wrapped, err := p.WrapKey(dek, ModeDES3ECB, key, nil)
	if err != nil {
		return nil, err
	}
	kcv, err := KeyCheckValue(key)
	if err != nil {
		return nil, err
	}
	return concat([]byte{0x80, byte(len(wrapped))}, wrapped, []byte{byte(len(kcv))}, kcv), nil
}
