package gp

import (
	"context"
)

// DefaultSecurityDomainAID is the issuer security domain AID.
var DefaultSecurityDomainAID = []byte{0xA0, 0x00, 0x00, 0x00, 0x03, 0x00, 0x00, 0x00}

// OpenConfig controls Open.
type OpenConfig struct {
	// SecurityDomainAID defaults to DefaultSecurityDomainAID.
	SecurityDomainAID []byte
	// KeyVersion is sent in INITIALIZE UPDATE P1; 0 lets the card choose.
	KeyVersion byte
	// Level defaults to LevelCMACCDEC. C-MAC is always applied.
	Level SecurityLevel
	// ReadKeyInfo reads the key information template before the handshake.
	ReadKeyInfo bool
	// ReadCPLC reads CPLC data to fill SessionKeyRequest.CUID.
	ReadCPLC bool

	Provider     Provider
	KeyService   KeyService
	TransportKey *SymmetricKey

	Options
}

// InitUpdateResponse is the parsed INITIALIZE UPDATE response.
type InitUpdateResponse struct {
	KeyDiversificationData []byte
	KeyVersion             byte
	Protocol               Protocol
	Implementation         byte
	SequenceCounter        []byte
	CardChallenge          []byte
	CardCryptogram         []byte
}

// ParseInitUpdateResponse splits an INITIALIZE UPDATE response:
//
//	SCP01: div(10) kvn scp(01) card(8) cryptogram(8)
//	SCP02: div(10) kvn scp(02) seq(2) card(6) cryptogram(8)
//	SCP03: div(10) kvn scp(03) i card(8) cryptogram(8) [seq(3)]
func ParseInitUpdateResponse(resp []byte) (*InitUpdateResponse, error) {
	const op = "initialize update"
	p, i, err := ProtocolFromInitUpdate(resp)
	if err != nil {
		return nil, err
	}
	r := &InitUpdateResponse{
		KeyDiversificationData: clone(resp[0:10]),
		KeyVersion:             resp[10],
		Protocol:               p,
		Implementation:         i,
	}
	switch p {
	case SCP01:
		if len(resp) != 28 {
			return nil, newError(KindProtocol, op, "SCP01 response must be 28 bytes, got %d", len(resp))
		}
		r.CardChallenge = clone(resp[12:20])
		r.CardCryptogram = clone(resp[20:28])
	case SCP02:
		if len(resp) != 28 {
			return nil, newError(KindProtocol, op, "SCP02 response must be 28 bytes, got %d", len(resp))
		}
		r.SequenceCounter = clone(resp[12:14])
		r.CardChallenge = clone(resp[14:20])
		r.CardCryptogram = clone(resp[20:28])
	case SCP03:
		if len(resp) != 29 && len(resp) != 32 {
			return nil, newError(KindProtocol, op, "SCP03 response must be 29 or 32 bytes, got %d", len(resp))
		}
		r.CardChallenge = clone(resp[13:21])
		r.CardCryptogram = clone(resp[21:29])
		if len(resp) == 32 {
			r.SequenceCounter = clone(resp[29:32])
		}
	}
	return r, nil
}

// platformFor guesses the card platform from the protocol.
func platformFor(p Protocol) Platform {
	if p == SCP01 {
		return GP201
	}
	return GP211
}

// Open selects the security domain, runs INITIALIZE UPDATE, obtains
// session keys from the key service and completes EXTERNAL AUTHENTICATE.
// The returned session is in StateAuthenticated.
func Open(ctx context.Context, card Card, cfg OpenConfig) (Session, error) {
	const op = "open"
	if card == nil || cfg.Provider == nil || cfg.KeyService == nil {
		return nil, newError(KindProtocol, op, "card, provider and key service are required")
	}
	if err := cfg.TransportKey.require(op, UsageUnwrap); err != nil {
		return nil, err
	}
	aid := cfg.SecurityDomainAID
	if aid == nil {
		aid = DefaultSecurityDomainAID
	}
	level := cfg.Level
	if level == LevelNone {
		level = LevelCMACCDEC
	}

	if _, err := Select(card, aid); err != nil {
		return nil, err
	}

	var keyInfo []byte
	if cfg.ReadKeyInfo {
		data, err := GetKeyInfo(card)
		if err != nil {
			return nil, err
		}
		keyInfo = data
	}

	var cuid []byte
	if cfg.ReadCPLC {
		cplc, err := GetCPLC(card)
		if err != nil {
			return nil, err
		}
		cuid = cplc.CUID()
	}

	host, err := cfg.Provider.Random(8)
	if err != nil {
		return nil, err
	}
	resp, err := exchange(card, "initialize update", InitializeUpdateCommand(cfg.KeyVersion, host))
	if err != nil {
		return nil, err
	}
	iu, err := ParseInitUpdateResponse(resp)
	if err != nil {
		return nil, err
	}
	if cuid == nil {
		cuid = iu.KeyDiversificationData
	}

	material, err := cfg.KeyService.SessionKeys(ctx, SessionKeyRequest{
		Protocol:               iu.Protocol,
		Implementation:         iu.Implementation,
		KeyVersion:             iu.KeyVersion,
		CUID:                   cuid,
		KeyDiversificationData: iu.KeyDiversificationData,
		HostChallenge:          host,
		CardChallenge:          iu.CardChallenge,
		SequenceCounter:        iu.SequenceCounter,
		CardCryptogram:         iu.CardCryptogram,
	})
	if err != nil {
		return nil, wrapError(KindKeyDerivation, op, err, "key service")
	}

	keyInfoData := []byte{iu.KeyVersion, byte(iu.Protocol)}
	info := NewProtocolInfo(platformFor(iu.Protocol), iu.Protocol, iu.Implementation, keyInfo)

	s, err := newSession(card, cfg, info, iu, host, keyInfoData, material)
	if err != nil {
		return nil, err
	}
	if err := s.SetSecurityLevel(level); err != nil {
		return nil, err
	}
	if err := s.ExternalAuthenticate(); err != nil {
		return nil, err
	}
	return s, nil
}

func newSession(card Card, cfg OpenConfig, info ProtocolInfo, iu *InitUpdateResponse, host, keyInfoData []byte, m *SessionKeyMaterial) (Session, error) {
	alg := DES3
	if iu.Protocol == SCP03 {
		alg = AES
	}
	keyLen := sessionKeyLength(info.keyInfo, iu.KeyVersion)
	unwrap := func(label string, usage Usage, wrapped []byte) (*SymmetricKey, error) {
		if len(wrapped) == 0 {
			return nil, nil
		}
		spec := KeySpec{Alg: alg, Usage: usage, Scope: ScopeSession, Label: label, Length: keyLen}
		return cfg.Provider.UnwrapKey(cfg.TransportKey, TransportWrapMode(cfg.TransportKey), spec, wrapped, nil)
	}
	var keys [4]*SymmetricKey
	for i, k := range []struct {
		label   string
		usage   Usage
		wrapped []byte
	}{
		{"enc", UsageEncrypt | UsageDecrypt, m.EncSessionKey},
		{"mac", UsageMAC | UsageEncrypt, m.SessionKey},
		{"rmac", UsageMAC | UsageEncrypt, m.RMACSessionKey},
		{"dek", UsageEncrypt | UsageWrap, m.DEKSessionKey},
	} {
		key, err := unwrap(k.label, k.usage, k.wrapped)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}
	enc, mac, rmac, dek := keys[0], keys[1], keys[2], keys[3]

	switch iu.Protocol {
	case SCP01:
		return NewSCP01Session(card, SCP01Config{
			Info:                   info,
			Keys:                   SCP01Keys{ENC: enc, MAC: mac, DEK: dek},
			HostChallenge:          host,
			CardChallenge:          iu.CardChallenge,
			CardCryptogram:         iu.CardCryptogram,
			HostCryptogram:         m.HostCryptogram,
			KeyDiversificationData: iu.KeyDiversificationData,
			KeyInfoData:            keyInfoData,
			Options:                cfg.Options,
		})
	case SCP02:
		return NewSCP02Session(card, SCP02Config{
			Info:                   info,
			Keys:                   SCP02Keys{ENC: enc, CMAC: mac, RMAC: rmac, DEK: dek},
			SequenceCounter:        iu.SequenceCounter,
			HostChallenge:          host,
			CardChallenge:          iu.CardChallenge,
			CardCryptogram:         iu.CardCryptogram,
			KeyDiversificationData: iu.KeyDiversificationData,
			KeyInfoData:            keyInfoData,
			Options:                cfg.Options,
		})
	default:
		return NewSCP03Session(card, SCP03Config{
			Info:                   info,
			Keys:                   SCP03Keys{ENC: enc, MAC: mac, RMAC: rmac, DEK: dek},
			HostChallenge:          host,
			CardChallenge:          iu.CardChallenge,
			SequenceCounter:        iu.SequenceCounter,
			CardCryptogram:         iu.CardCryptogram,
			KeyDiversificationData: iu.KeyDiversificationData,
			KeyInfoData:            keyInfoData,
			Options:                cfg.Options,
		})
	}
}

// sessionKeyLength returns the length of the key set's first key from the
// key information template, or 0 when the template is absent or does not
// list the version.
func sessionKeyLength(keyInfo []byte, version byte) int {
	records, err := ParseKeyInfo(keyInfo)
	if err != nil {
		return 0
	}
	for _, r := range records {
		if r.Version == version {
			return int(r.Length)
		}
	}
	return 0
}

// ProbeKeyVersions sends INITIALIZE UPDATE for each key version and returns
// the versions the card accepts together with the protocol it reports.
// The security domain must be selected first. No session is opened.
func ProbeKeyVersions(card Card, p Provider, versions []byte) (map[byte]Protocol, error) {
	found := make(map[byte]Protocol)
	for _, kvn := range versions {
		host, err := p.Random(8)
		if err != nil {
			return nil, err
		}
		resp, err := exchange(card, "initialize update", InitializeUpdateCommand(kvn, host))
		if err != nil {
			if IsKind(err, KindTransport) {
				return nil, err
			}
			continue
		}
		iu, err := ParseInitUpdateResponse(resp)
		if err != nil {
			continue
		}
		found[iu.KeyVersion] = iu.Protocol
	}
	return found, nil
}
