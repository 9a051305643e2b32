//go:build pkcs11

package hsm

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/barnettlynn/gpscp/pkg/gp"
	"github.com/miekg/pkcs11"
	"github.com/pkg/errors"
)

// Config selects the PKCS#11 module, slot and credentials.
type Config struct {
	// Library is the module path, e.g. /usr/lib/softhsm/libsofthsm2.so.
	Library string `yaml:"library"`
	// Slot defaults to the first slot with a token.
	Slot *uint `yaml:"slot,omitempty"`
	PIN  string `yaml:"pin,omitempty"`
}

var errClosed = errors.New("PKCS#11 provider is closed")

// Provider implements gp.Provider on one PKCS#11 session. PKCS#11
// operations on a session are serialized by mu.
type Provider struct {
	mu      sync.Mutex
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
	log     *slog.Logger
}

var _ gp.Provider = (*Provider)(nil)

// New loads the module, opens a session and logs in.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx := pkcs11.New(cfg.Library)
	if ctx == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 library: %s", cfg.Library)
	}
	if err := ctx.Initialize(); err != nil {
		if err != pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED) {
			ctx.Destroy()
			return nil, errors.Wrap(err, "initialize PKCS#11")
		}
	}

	slots, err := ctx.GetSlotList(true)
	if err != nil {
		ctx.Destroy()
		return nil, errors.Wrap(err, "get slot list")
	}
	if len(slots) == 0 {
		ctx.Destroy()
		return nil, errors.New("no PKCS#11 slots with a token")
	}
	slot := slots[0]
	if cfg.Slot != nil {
		slot = *cfg.Slot
	}

	session, err := ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		ctx.Destroy()
		return nil, errors.Wrapf(err, "open session on slot %d", slot)
	}
	if cfg.PIN != "" {
		if err := ctx.Login(session, pkcs11.CKU_USER, cfg.PIN); err != nil {
			if err != pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
				ctx.CloseSession(session)
				ctx.Destroy()
				return nil, errors.Wrap(err, "login")
			}
		}
	}
	logger.Info("PKCS#11 session open", "library", cfg.Library, "slot", slot)
	return &Provider{ctx: ctx, session: session, log: logger}, nil
}

// Close logs out and releases the module.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return nil
	}
	_ = p.ctx.Logout(p.session)
	err := p.ctx.CloseSession(p.session)
	_ = p.ctx.Finalize()
	p.ctx.Destroy()
	p.ctx = nil
	return err
}

func keyType(alg gp.Algorithm, length int) (uint, error) {
	switch {
	case alg == gp.DES3 && length == 16:
		return pkcs11.CKK_DES2, nil
	case alg == gp.DES3 && length == 24:
		return pkcs11.CKK_DES3, nil
	case alg == gp.AES && (length == 16 || length == 24 || length == 32):
		return pkcs11.CKK_AES, nil
	}
	return 0, errors.Errorf("unsupported %s key length %d", alg, length)
}

// template builds the secret key attributes for spec. Session scoped keys
// are session objects; every key is extractable so PUT KEY can wrap it.
func template(spec gp.KeySpec, kt uint) []*pkcs11.Attribute {
	u := spec.Usage
	return []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, kt),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, spec.Scope == gp.ScopePermanent),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, spec.Label),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, true),
		pkcs11.NewAttribute(pkcs11.CKA_ENCRYPT, u&(gp.UsageEncrypt|gp.UsageMAC) != 0),
		pkcs11.NewAttribute(pkcs11.CKA_DECRYPT, u&gp.UsageDecrypt != 0),
		pkcs11.NewAttribute(pkcs11.CKA_WRAP, u&gp.UsageWrap != 0),
		pkcs11.NewAttribute(pkcs11.CKA_UNWRAP, u&gp.UsageUnwrap != 0),
	}
}

func (p *Provider) handle(spec gp.KeySpec, length int, obj pkcs11.ObjectHandle) *gp.SymmetricKey {
	mech := uint(pkcs11.CKM_DES3_ECB)
	bs := 8
	if spec.Alg == gp.AES {
		mech, bs = pkcs11.CKM_AES_ECB, 16
	}
	return gp.NewKeyHandle(spec, length, &block{p: p, obj: obj, mech: mech, size: bs}, nil)
}

func objectOf(k *gp.SymmetricKey) (pkcs11.ObjectHandle, error) {
	if k == nil {
		return 0, errors.New("key handle is nil")
	}
	b, ok := k.Block().(*block)
	if !ok {
		return 0, errors.Errorf("key %q is not held by the PKCS#11 provider", k.Label())
	}
	return b.obj, nil
}

// ImportKey implements gp.Provider by creating a secret key object.
func (p *Provider) ImportKey(spec gp.KeySpec, material []byte) (*gp.SymmetricKey, error) {
	kt, err := keyType(spec.Alg, len(material))
	if err != nil {
		return nil, err
	}
	attrs := append(template(spec, kt), pkcs11.NewAttribute(pkcs11.CKA_VALUE, material))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return nil, errClosed
	}
	obj, err := p.ctx.CreateObject(p.session, attrs)
	if err != nil {
		return nil, errors.Wrapf(err, "create key %q", spec.Label)
	}
	return p.handle(spec, len(material), obj), nil
}

// FindKey returns a handle for an existing token key, typically the
// transport key shared with the key service.
func (p *Provider) FindKey(spec gp.KeySpec) (*gp.SymmetricKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return nil, errClosed
	}
	search := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, spec.Label),
	}
	if err := p.ctx.FindObjectsInit(p.session, search); err != nil {
		return nil, errors.Wrap(err, "init object search")
	}
	objs, _, err := p.ctx.FindObjects(p.session, 1)
	if ferr := p.ctx.FindObjectsFinal(p.session); err == nil {
		err = ferr
	}
	if err != nil {
		return nil, errors.Wrap(err, "find objects")
	}
	if len(objs) == 0 {
		return nil, errors.Errorf("key %q not found", spec.Label)
	}

	attrs, err := p.ctx.GetAttributeValue(p.session, objs[0], []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE_LEN, nil),
	})
	length := 16
	if err == nil && len(attrs) == 1 {
		// CK_ULONG in host byte order.
		if n := ulong(attrs[0].Value); n > 0 {
			length = n
		}
	}
	return p.handle(spec, length, objs[0]), nil
}

func ulong(b []byte) int {
	n := 0
	for i := len(b) - 1; i >= 0; i-- {
		n = n<<8 | int(b[i])
	}
	return n
}

func mechanism(mode gp.WrapMode, iv []byte) (*pkcs11.Mechanism, error) {
	switch mode {
	case gp.ModeDES3ECB:
		return pkcs11.NewMechanism(pkcs11.CKM_DES3_ECB, nil), nil
	case gp.ModeAESCBC:
		if iv == nil {
			iv = make([]byte, 16)
		}
		return pkcs11.NewMechanism(pkcs11.CKM_AES_CBC, iv), nil
	}
	return nil, errors.Errorf("unsupported wrap mode %d", mode)
}

// UnwrapKey implements gp.Provider with C_UnwrapKey; the clear key never
// leaves the token.
func (p *Provider) UnwrapKey(kek *gp.SymmetricKey, mode gp.WrapMode, spec gp.KeySpec, wrapped, iv []byte) (*gp.SymmetricKey, error) {
	if !kek.Allows(gp.UsageUnwrap) {
		return nil, errors.Errorf("key %q does not permit unwrap", kek.Label())
	}
	kekObj, err := objectOf(kek)
	if err != nil {
		return nil, err
	}
	length := len(wrapped)
	if spec.Length != 0 {
		length = spec.Length
	}
	kt, err := keyType(spec.Alg, length)
	if err != nil {
		return nil, err
	}
	mech, err := mechanism(mode, iv)
	if err != nil {
		return nil, err
	}
	attrs := template(spec, kt)
	if kt == pkcs11.CKK_AES {
		attrs = append(attrs, pkcs11.NewAttribute(pkcs11.CKA_VALUE_LEN, length))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return nil, errClosed
	}
	obj, err := p.ctx.UnwrapKey(p.session, []*pkcs11.Mechanism{mech}, kekObj, wrapped, attrs)
	if err != nil {
		return nil, errors.Wrapf(err, "unwrap key %q", spec.Label)
	}
	p.log.Debug("key unwrapped", "label", spec.Label, "alg", spec.Alg.String())
	return p.handle(spec, length, obj), nil
}

// WrapKey implements gp.Provider with C_WrapKey.
func (p *Provider) WrapKey(kek *gp.SymmetricKey, mode gp.WrapMode, key *gp.SymmetricKey, iv []byte) ([]byte, error) {
	if !kek.Allows(gp.UsageWrap) {
		return nil, errors.Errorf("key %q does not permit wrap", kek.Label())
	}
	kekObj, err := objectOf(kek)
	if err != nil {
		return nil, err
	}
	keyObj, err := objectOf(key)
	if err != nil {
		return nil, err
	}
	mech, err := mechanism(mode, iv)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return nil, errClosed
	}
	out, err := p.ctx.WrapKey(p.session, []*pkcs11.Mechanism{mech}, kekObj, keyObj)
	if err != nil {
		return nil, errors.Wrapf(err, "wrap key %q", key.Label())
	}
	return out, nil
}

// Random implements gp.Provider with C_GenerateRandom.
func (p *Provider) Random(n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return nil, errClosed
	}
	out, err := p.ctx.GenerateRandom(p.session, n)
	if err != nil {
		return nil, errors.Wrap(err, "generate random")
	}
	return out, nil
}

// block is a cipher.Block whose key lives in the token. cipher.Block has
// no error return, so token failures panic with *gp.ProviderFailure, which
// the gp package recovers into a key derivation error.
type block struct {
	p    *Provider
	obj  pkcs11.ObjectHandle
	mech uint
	size int
}

func (b *block) BlockSize() int { return b.size }

func (b *block) Encrypt(dst, src []byte) {
	b.crypt("encrypt", dst, src, (*pkcs11.Ctx).EncryptInit, (*pkcs11.Ctx).Encrypt)
}

func (b *block) Decrypt(dst, src []byte) {
	b.crypt("decrypt", dst, src, (*pkcs11.Ctx).DecryptInit, (*pkcs11.Ctx).Decrypt)
}

func (b *block) crypt(op string, dst, src []byte,
	initFn func(*pkcs11.Ctx, pkcs11.SessionHandle, []*pkcs11.Mechanism, pkcs11.ObjectHandle) error,
	doFn func(*pkcs11.Ctx, pkcs11.SessionHandle, []byte) ([]byte, error),
) {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	if b.p.ctx == nil {
		panic(&gp.ProviderFailure{Op: "hsm " + op, Err: errClosed})
	}
	m := []*pkcs11.Mechanism{pkcs11.NewMechanism(b.mech, nil)}
	if err := initFn(b.p.ctx, b.p.session, m, b.obj); err != nil {
		panic(&gp.ProviderFailure{Op: "hsm " + op, Err: errors.Wrap(err, "init")})
	}
	out, err := doFn(b.p.ctx, b.p.session, src[:b.size])
	if err != nil {
		panic(&gp.ProviderFailure{Op: "hsm " + op, Err: err})
	}
	copy(dst, out)
}
