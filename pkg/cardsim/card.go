// Package cardsim is an in-memory GlobalPlatform card with a security
// domain and a token applet. It answers raw APDUs like a card behind a
// reader would, verifies every C-MAC with its own chaining state and keeps
// objects, PINs, keys and load files in memory.
package cardsim

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"

	"github.com/barnettlynn/gpscp/pkg/gp"
	"github.com/pkg/errors"
)

const (
	insSelect               = 0xA4
	insInitializeUpdate     = 0x50
	insExternalAuthenticate = 0x82
	insGetData              = 0xCA
	insInstall              = 0xE6
	insLoad                 = 0xE8
	insDelete               = 0xE4
	insPutKey               = 0xD8
	insSetIssuerInfo        = 0xF4
	insWriteObject          = 0x54
	insReadObject           = 0x56
	insCreateObject         = 0x5A
	insDeleteObject         = 0x52
	insCreatePin            = 0x40
	insSetPin               = 0x04
	insImportKeyEncrypted   = 0x0A
	insGenerateKey          = 0x0C
	insGenerateKeyECC       = 0x0D
	insSetLifecycle         = 0xF0

	levelCDEC = 0x02
	levelRMAC = 0x10
)

// KeySet is one static key set of the security domain.
type KeySet struct {
	Version byte
	ENC     []byte
	MAC     []byte
	DEK     []byte
}

// Config describes the simulated card.
type Config struct {
	Protocol gp.Protocol
	// Implementation is the "i" parameter. SCP03 appends a sequence
	// counter to INITIALIZE UPDATE when bit 0x10 is set.
	Implementation byte
	KeySets        []KeySet
	// SecurityDomainAID defaults to gp.DefaultSecurityDomainAID.
	SecurityDomainAID      []byte
	KeyDiversificationData []byte
	// SequenceCounter is the SCP02 counter before the first session.
	SequenceCounter uint16
	CPLC            []byte
	// Rand supplies card challenges; defaults to crypto/rand.Reader.
	Rand   io.Reader
	Logger *slog.Logger
}

type object struct {
	data []byte
	acl  gp.ObjectACL
}

type pin struct {
	value      []byte
	maxRetries byte
}

// Card is a simulated card. It is safe for concurrent use.
type Card struct {
	mu  sync.Mutex
	cfg Config
	log *slog.Logger

	keySets  []KeySet
	seq      uint16
	selected []byte
	ch       *channel

	objects    map[uint32]*object
	pins       map[byte]*pin
	privKeys   map[byte][]byte
	issuerInfo []byte
	lifecycle  byte
	packages   map[string][]byte
	applets    map[string][]byte

	loading   []byte
	loadAID   []byte
	loadBlock int

	injected []uint16
	commands int
}

// New returns a card in the uninitialized lifecycle state.
func New(cfg Config) (*Card, error) {
	if len(cfg.KeySets) == 0 {
		return nil, errors.New("cardsim: at least one key set is required")
	}
	switch cfg.Protocol {
	case gp.SCP01, gp.SCP02, gp.SCP03:
	default:
		return nil, errors.Errorf("cardsim: unsupported protocol %v", cfg.Protocol)
	}
	if cfg.Implementation == 0 {
		// SCP01 and SCP02 do not announce "i"; hosts assume these values.
		switch cfg.Protocol {
		case gp.SCP01:
			cfg.Implementation = 0x05
		case gp.SCP02:
			cfg.Implementation = 0x55
		}
	}
	if cfg.SecurityDomainAID == nil {
		cfg.SecurityDomainAID = gp.DefaultSecurityDomainAID
	}
	if cfg.KeyDiversificationData == nil {
		cfg.KeyDiversificationData = []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09}
	}
	if len(cfg.KeyDiversificationData) != 10 {
		return nil, errors.Errorf("cardsim: key diversification data must be 10 bytes, got %d", len(cfg.KeyDiversificationData))
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Card{
		cfg:       cfg,
		log:       logger.With("component", "cardsim"),
		keySets:   append([]KeySet(nil), cfg.KeySets...),
		seq:       cfg.SequenceCounter,
		objects:   make(map[uint32]*object),
		pins:      make(map[byte]*pin),
		privKeys:  make(map[byte][]byte),
		lifecycle: gp.LifecycleUninitialized,
		packages:  make(map[string][]byte),
		applets:   make(map[string][]byte),
	}, nil
}

type command struct {
	cla, ins, p1, p2 byte
	data             []byte
	le               int
}

// header returns CLA INS P1 P2 lc.
func (c *command) header(lc int) []byte {
	return []byte{c.cla, c.ins, c.p1, c.p2, byte(lc)}
}

func parse(raw []byte) (*command, error) {
	if len(raw) < 4 {
		return nil, errors.New("APDU shorter than header")
	}
	c := &command{cla: raw[0], ins: raw[1], p1: raw[2], p2: raw[3]}
	switch {
	case len(raw) == 4:
	case len(raw) == 5:
		c.le = int(raw[4])
	default:
		lc := int(raw[4])
		if lc == 0 || len(raw) < 5+lc || len(raw) > 6+lc {
			return nil, errors.Errorf("Lc %d does not match APDU length %d", lc, len(raw))
		}
		c.data = raw[5 : 5+lc]
		if len(raw) == 6+lc {
			c.le = int(raw[5+lc])
		}
	}
	return c, nil
}

func withSW(data []byte, sw uint16) []byte {
	return append(append([]byte(nil), data...), byte(sw>>8), byte(sw))
}

// Transmit implements gp.Card.
func (c *Card) Transmit(raw []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands++
	c.log.Debug("command", "apdu", hexString(raw))

	if len(c.injected) > 0 {
		sw := c.injected[0]
		c.injected = c.injected[1:]
		return withSW(nil, sw), nil
	}

	cmd, err := parse(raw)
	if err != nil {
		c.log.Debug("malformed command", "error", err)
		return withSW(nil, gp.SWWrongLength), nil
	}

	secure := cmd.cla&0x04 != 0
	if secure {
		if c.ch == nil || (!c.ch.authenticated && cmd.ins != insExternalAuthenticate) {
			return withSW(nil, gp.SWSecurityNotSatisfied), nil
		}
		body, err := c.ch.unwrap(cmd)
		if err != nil {
			c.log.Debug("secure messaging rejected", "error", err)
			c.ch = nil
			return withSW(nil, gp.SWSecurityNotSatisfied), nil
		}
		cmd.data = body
	}

	data, sw := c.dispatch(cmd, secure)
	if secure && c.ch != nil && c.ch.authenticated && sw == gp.SWSuccess {
		if data, err = c.ch.wrapResponse(cmd.ins, data, sw); err != nil {
			return nil, err
		}
	}
	c.log.Debug("response", "data", hexString(data), "sw", sw)
	return withSW(data, sw), nil
}

func (c *Card) dispatch(cmd *command, secure bool) ([]byte, uint16) {
	switch cmd.ins {
	case insSelect:
		return c.doSelect(cmd, secure)
	case insGetData:
		return c.doGetData(cmd)
	case insInitializeUpdate:
		if secure {
			return nil, gp.SWConditionsNotMet
		}
		return c.doInitializeUpdate(cmd)
	case insExternalAuthenticate:
		if !secure {
			return nil, gp.SWSecurityNotSatisfied
		}
		return c.doExternalAuthenticate(cmd)
	}

	if !secure {
		return nil, gp.SWSecurityNotSatisfied
	}
	switch cmd.ins {
	case insInstall:
		return c.doInstall(cmd)
	case insLoad:
		return c.doLoad(cmd)
	case insDelete:
		return c.doDelete(cmd)
	case insPutKey:
		return c.doPutKey(cmd)
	case insSetIssuerInfo:
		c.issuerInfo = append([]byte(nil), cmd.data...)
		return nil, gp.SWSuccess
	case insWriteObject:
		return c.doWriteObject(cmd)
	case insReadObject:
		return c.doReadObject(cmd)
	case insCreateObject:
		return c.doCreateObject(cmd)
	case insDeleteObject:
		if len(cmd.data) != 4 {
			return nil, gp.SWWrongLength
		}
		id := binary.BigEndian.Uint32(cmd.data)
		if _, ok := c.objects[id]; !ok {
			return nil, gp.SWReferencedNotFound
		}
		delete(c.objects, id)
		return nil, gp.SWSuccess
	case insCreatePin:
		if len(cmd.data) == 0 || cmd.p2 == 0 {
			return nil, gp.SWWrongData
		}
		c.pins[cmd.p1] = &pin{value: append([]byte(nil), cmd.data...), maxRetries: cmd.p2}
		return nil, gp.SWSuccess
	case insSetPin:
		p, ok := c.pins[cmd.p1]
		if !ok {
			return nil, gp.SWReferencedNotFound
		}
		p.value = append([]byte(nil), cmd.data...)
		return nil, gp.SWSuccess
	case insImportKeyEncrypted:
		if len(cmd.data) == 0 {
			return nil, gp.SWWrongData
		}
		c.privKeys[cmd.p1] = append([]byte(nil), cmd.data...)
		return nil, gp.SWSuccess
	case insGenerateKey, insGenerateKeyECC:
		// The public key stands in as a digest of the request.
		sum := sha256.Sum256(append([]byte{cmd.ins, cmd.p1, cmd.p2}, cmd.data...))
		c.privKeys[cmd.p1] = sum[:]
		return sum[:], gp.SWSuccess
	case insSetLifecycle:
		c.lifecycle = cmd.p1
		return nil, gp.SWSuccess
	}
	return nil, gp.SWInsNotSupported
}

func (c *Card) doSelect(cmd *command, secure bool) ([]byte, uint16) {
	if cmd.p1 != 0x04 {
		return nil, gp.SWWrongP1P2
	}
	aid := cmd.data
	if !bytes.Equal(aid, c.cfg.SecurityDomainAID) {
		if _, ok := c.applets[string(aid)]; !ok {
			return nil, gp.SWFileNotFound
		}
	}
	c.selected = append([]byte(nil), aid...)
	if !secure {
		c.ch = nil
	}
	return nil, gp.SWSuccess
}

func (c *Card) sdSelected() bool {
	return bytes.Equal(c.selected, c.cfg.SecurityDomainAID)
}

func (c *Card) doGetData(cmd *command) ([]byte, uint16) {
	switch uint16(cmd.p1)<<8 | uint16(cmd.p2) {
	case gp.TagKeyInfo:
		return c.keyInfo(), gp.SWSuccess
	case gp.TagCPLC:
		if c.cfg.CPLC == nil {
			return nil, gp.SWReferencedNotFound
		}
		return append([]byte{0x9F, 0x7F, byte(len(c.cfg.CPLC))}, c.cfg.CPLC...), gp.SWSuccess
	}
	return nil, gp.SWReferencedNotFound
}

// keyInfo builds E0 L {C0 04 id version type length} for every key.
func (c *Card) keyInfo() []byte {
	keyType := byte(0x80)
	if c.cfg.Protocol == gp.SCP03 {
		keyType = 0x88
	}
	var records []byte
	for _, ks := range c.keySets {
		for id, k := range [][]byte{ks.ENC, ks.MAC, ks.DEK} {
			records = append(records, 0xC0, 0x04, byte(id+1), ks.Version, keyType, byte(len(k)))
		}
	}
	if len(records) > 0x7F {
		return append([]byte{0xE0, 0x81, byte(len(records))}, records...)
	}
	return append([]byte{0xE0, byte(len(records))}, records...)
}

func (c *Card) findKeySet(version byte) (KeySet, bool) {
	if version == 0 {
		return c.keySets[0], true
	}
	for _, ks := range c.keySets {
		if ks.Version == version {
			return ks, true
		}
	}
	return KeySet{}, false
}

func (c *Card) random(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := io.ReadFull(c.cfg.Rand, b)
	return b, err
}

func (c *Card) doInitializeUpdate(cmd *command) ([]byte, uint16) {
	c.ch = nil
	if !c.sdSelected() {
		return nil, gp.SWConditionsNotMet
	}
	if len(cmd.data) != 8 {
		return nil, gp.SWWrongLength
	}
	ks, ok := c.findKeySet(cmd.p1)
	if !ok {
		return nil, gp.SWReferencedNotFound
	}
	host := append([]byte(nil), cmd.data...)

	var (
		card, seq []byte
		err       error
	)
	p := c.cfg.Protocol
	switch p {
	case gp.SCP02:
		seq = []byte{byte(c.seq >> 8), byte(c.seq)}
		c.seq++
		card, err = c.random(6)
	case gp.SCP03:
		card, err = c.random(8)
		if c.cfg.Implementation&0x10 != 0 {
			c.seq++
			seq = []byte{0x00, byte(c.seq >> 8), byte(c.seq)}
		}
	default:
		card, err = c.random(8)
	}
	if err != nil {
		return nil, gp.SWMemoryFailure
	}
	ch, err := newChannel(p, c.cfg.Implementation, ks, host, card, seq)
	if err != nil {
		c.log.Debug("session key derivation failed", "error", err)
		return nil, gp.SWReferencedNotFound
	}
	c.ch = ch

	resp := append([]byte(nil), c.cfg.KeyDiversificationData...)
	resp = append(resp, ks.Version, byte(p))
	switch p {
	case gp.SCP02:
		resp = append(resp, seq...)
		resp = append(resp, card...)
		resp = append(resp, ch.cryptogram...)
	case gp.SCP03:
		resp = append(resp, c.cfg.Implementation)
		resp = append(resp, card...)
		resp = append(resp, ch.cryptogram...)
		resp = append(resp, seq...)
	default:
		resp = append(resp, card...)
		resp = append(resp, ch.cryptogram...)
	}
	return resp, gp.SWSuccess
}

func (c *Card) doExternalAuthenticate(cmd *command) ([]byte, uint16) {
	if c.ch.authenticated {
		return nil, gp.SWConditionsNotMet
	}
	want, err := c.ch.hostCryptogram()
	if err != nil || compare("host cryptogram", want, cmd.data) != nil {
		c.ch = nil
		return nil, gp.SWSecurityNotSatisfied
	}
	c.ch.level = cmd.p1
	c.ch.authenticated = true
	c.log.Debug("secure channel open", "level", cmd.p1)
	return nil, gp.SWSuccess
}

// readLV reads one length-prefixed field.
func readLV(b []byte) (field, rest []byte, ok bool) {
	if len(b) < 1 || len(b) < 1+int(b[0]) {
		return nil, nil, false
	}
	return b[1 : 1+int(b[0])], b[1+int(b[0]):], true
}

func (c *Card) doInstall(cmd *command) ([]byte, uint16) {
	pkg, rest, ok := readLV(cmd.data)
	if !ok {
		return nil, gp.SWWrongData
	}
	switch cmd.p1 {
	case 0x02:
		c.loadAID = append([]byte(nil), pkg...)
		c.loading = nil
		c.loadBlock = 0
		return []byte{0x00}, gp.SWSuccess
	case 0x0C:
		if _, ok := c.packages[string(pkg)]; !ok {
			return nil, gp.SWReferencedNotFound
		}
		_, rest, ok = readLV(rest)
		if !ok {
			return nil, gp.SWWrongData
		}
		instance, _, ok := readLV(rest)
		if !ok {
			return nil, gp.SWWrongData
		}
		c.applets[string(instance)] = append([]byte(nil), pkg...)
		return []byte{0x00}, gp.SWSuccess
	}
	return nil, gp.SWWrongP1P2
}

func (c *Card) doLoad(cmd *command) ([]byte, uint16) {
	if c.loadAID == nil {
		return nil, gp.SWConditionsNotMet
	}
	if int(cmd.p2) != c.loadBlock&0xFF {
		return nil, gp.SWWrongP1P2
	}
	c.loading = append(c.loading, cmd.data...)
	c.loadBlock++
	if cmd.p1&0x80 != 0 {
		c.packages[string(c.loadAID)] = c.loading
		c.loadAID, c.loading, c.loadBlock = nil, nil, 0
		return []byte{0x00}, gp.SWSuccess
	}
	return nil, gp.SWSuccess
}

func (c *Card) doDelete(cmd *command) ([]byte, uint16) {
	if len(cmd.data) < 2 || cmd.data[0] != 0x4F {
		return nil, gp.SWWrongData
	}
	aid, _, ok := readLV(cmd.data[1:])
	if !ok {
		return nil, gp.SWWrongData
	}
	key := string(aid)
	if _, ok := c.applets[key]; ok {
		delete(c.applets, key)
		return []byte{0x00}, gp.SWSuccess
	}
	if _, ok := c.packages[key]; ok {
		delete(c.packages, key)
		if cmd.p2&0x80 != 0 {
			for inst, pkg := range c.applets {
				if string(pkg) == key {
					delete(c.applets, inst)
				}
			}
		}
		return []byte{0x00}, gp.SWSuccess
	}
	return nil, gp.SWReferencedNotFound
}

// doPutKey stores a key set: newKVN || {type len [keylen] enc kcvlen kcv}*.
func (c *Card) doPutKey(cmd *command) ([]byte, uint16) {
	if len(cmd.data) < 1 {
		return nil, gp.SWWrongLength
	}
	newKVN := cmd.data[0]
	rest := cmd.data[1:]
	resp := []byte{newKVN}
	var keys [][]byte
	for len(rest) > 0 {
		if len(rest) < 2 {
			return nil, gp.SWWrongData
		}
		keyType, n := rest[0], int(rest[1])
		rest = rest[2:]
		if len(rest) < n+1 {
			return nil, gp.SWWrongData
		}
		enc := rest[:n]
		if keyType == 0x88 && n > 0 {
			enc = enc[1:]
		}
		rest = rest[n:]
		kcv, tail, ok := readLV(rest)
		if !ok || len(kcv) > 8 {
			return nil, gp.SWWrongData
		}
		rest = tail
		key, err := c.ch.decryptKey(keyType, enc, kcv)
		if err != nil {
			c.log.Debug("put key rejected", "error", err)
			return nil, gp.SWWrongData
		}
		keys = append(keys, key)
		resp = append(resp, kcv...)
	}
	if len(keys) != 3 {
		return nil, gp.SWWrongData
	}
	ks := KeySet{Version: newKVN, ENC: keys[0], MAC: keys[1], DEK: keys[2]}
	old := cmd.p1
	for i := range c.keySets {
		if old != 0 && c.keySets[i].Version == old {
			c.keySets[i] = ks
			return resp, gp.SWSuccess
		}
	}
	if old != 0 {
		return nil, gp.SWReferencedNotFound
	}
	c.keySets = append(c.keySets, ks)
	return resp, gp.SWSuccess
}

func objectHeader(data []byte) (id, offset uint32, n int, ok bool) {
	if len(data) < 9 {
		return 0, 0, 0, false
	}
	return binary.BigEndian.Uint32(data[0:4]), binary.BigEndian.Uint32(data[4:8]), int(data[8]), true
}

func (c *Card) doCreateObject(cmd *command) ([]byte, uint16) {
	if len(cmd.data) != 14 {
		return nil, gp.SWWrongLength
	}
	id := binary.BigEndian.Uint32(cmd.data[0:4])
	if _, ok := c.objects[id]; ok {
		return nil, gp.SWWrongData
	}
	size := binary.BigEndian.Uint32(cmd.data[4:8])
	if size > 0x10000 {
		return nil, gp.SWNotEnoughMemory
	}
	c.objects[id] = &object{
		data: make([]byte, size),
		acl: gp.ObjectACL{
			Read:   binary.BigEndian.Uint16(cmd.data[8:10]),
			Write:  binary.BigEndian.Uint16(cmd.data[10:12]),
			Delete: binary.BigEndian.Uint16(cmd.data[12:14]),
		},
	}
	return nil, gp.SWSuccess
}

func (c *Card) doWriteObject(cmd *command) ([]byte, uint16) {
	id, offset, n, ok := objectHeader(cmd.data)
	if !ok || len(cmd.data) != 9+n {
		return nil, gp.SWWrongLength
	}
	obj, ok := c.objects[id]
	if !ok {
		return nil, gp.SWReferencedNotFound
	}
	if int(offset)+n > len(obj.data) {
		return nil, gp.SWNotEnoughMemory
	}
	copy(obj.data[offset:], cmd.data[9:])
	return nil, gp.SWSuccess
}

func (c *Card) doReadObject(cmd *command) ([]byte, uint16) {
	id, offset, n, ok := objectHeader(cmd.data)
	if !ok {
		return nil, gp.SWWrongLength
	}
	obj, ok := c.objects[id]
	if !ok {
		return nil, gp.SWReferencedNotFound
	}
	if int(offset)+n > len(obj.data) {
		return nil, gp.SWWrongP1P2
	}
	return append([]byte(nil), obj.data[int(offset):int(offset)+n]...), gp.SWSuccess
}
