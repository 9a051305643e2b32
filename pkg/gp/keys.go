package gp

import (
	"bufio"
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Algorithm is the block cipher family of a key.
type Algorithm int

const (
	DES3 Algorithm = iota + 1
	AES
)

func (a Algorithm) String() string {
	switch a {
	case DES3:
		return "DES3"
	case AES:
		return "AES"
	default:
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
}

// Usage is the set of operations a key handle may be used for.
type Usage uint8

const (
	UsageEncrypt Usage = 1 << iota
	UsageDecrypt
	UsageWrap
	UsageUnwrap
	UsageMAC
)

// Scope says whether a provider keeps the key beyond the session.
type Scope int

const (
	ScopeSession Scope = iota
	ScopePermanent
)

// WrapMode selects the key wrapping construction.
type WrapMode int

const (
	ModeDES3ECB WrapMode = iota + 1
	ModeAESCBC
)

// KeySpec describes a key to import or unwrap.
type KeySpec struct {
	Alg   Algorithm
	Usage Usage
	Scope Scope
	Label string
	// Length is the expected key length in bytes for UnwrapKey. Zero takes
	// the unwrapped length as is.
	Length int
}

// SymmetricKey is an opaque key handle. The algorithm and usage are fixed
// when the handle is created. Key material is only present for keys held by
// the software provider.
type SymmetricKey struct {
	spec     KeySpec
	length   int
	block    cipher.Block
	single   cipher.Block // single DES over the first 8 bytes (DES3 only)
	material []byte
}

// NewKeyHandle builds a handle around cipher implementations supplied by a
// provider that does not expose key material. single may be nil for AES
// keys or DES3 keys never used for retail MACs.
func NewKeyHandle(spec KeySpec, length int, block, single cipher.Block) *SymmetricKey {
	return &SymmetricKey{spec: spec, length: length, block: block, single: single}
}

// Alg returns the key algorithm.
func (k *SymmetricKey) Alg() Algorithm { return k.spec.Alg }

// Usage returns the permitted operations.
func (k *SymmetricKey) Usage() Usage { return k.spec.Usage }

// Scope returns the key lifetime.
func (k *SymmetricKey) Scope() Scope { return k.spec.Scope }

// Label returns the provider label, if any.
func (k *SymmetricKey) Label() string { return k.spec.Label }

// Len returns the key length in bytes.
func (k *SymmetricKey) Len() int { return k.length }

// Allows reports whether every bit of u is permitted.
func (k *SymmetricKey) Allows(u Usage) bool { return k != nil && k.spec.Usage&u == u }

// Block returns the block cipher for the key.
func (k *SymmetricKey) Block() cipher.Block { return k.block }

func (k *SymmetricKey) singleDES() (cipher.Block, error) {
	if k.single == nil {
		return nil, newError(KindKeyDerivation, "retail mac", "key %q has no single-DES half", k.spec.Label)
	}
	return k.single, nil
}

func (k *SymmetricKey) require(op string, u Usage) error {
	if k == nil {
		return newError(KindKeyDerivation, op, "key handle is nil")
	}
	if !k.Allows(u) {
		return newError(KindKeyDerivation, op, "key %q does not permit usage %#x", k.spec.Label, u)
	}
	return nil
}

// Provider is the crypto collaborator: key import, wrap/unwrap and
// randomness. Implementations: SoftwareProvider and the PKCS#11 provider
// in pkg/hsm.
type Provider interface {
	ImportKey(spec KeySpec, material []byte) (*SymmetricKey, error)
	UnwrapKey(kek *SymmetricKey, mode WrapMode, spec KeySpec, wrapped, iv []byte) (*SymmetricKey, error)
	WrapKey(kek *SymmetricKey, mode WrapMode, key *SymmetricKey, iv []byte) ([]byte, error)
	Random(n int) ([]byte, error)
}

// SoftwareProvider keeps key material in process memory.
type SoftwareProvider struct {
	// Rand defaults to crypto/rand.Reader.
	Rand io.Reader
}

// NewSoftwareProvider returns a provider backed by crypto/rand.
func NewSoftwareProvider() *SoftwareProvider {
	return &SoftwareProvider{Rand: rand.Reader}
}

// NewSoftwareKey wraps raw material in a software key handle.
func NewSoftwareKey(spec KeySpec, material []byte) (*SymmetricKey, error) {
	k := &SymmetricKey{spec: spec, length: len(material)}
	var err error
	switch spec.Alg {
	case DES3:
		if k.block, err = newDES3(material); err != nil {
			return nil, wrapError(KindKeyDerivation, "import key", err, "des3")
		}
		if k.single, err = des.NewCipher(material[:8]); err != nil {
			return nil, wrapError(KindKeyDerivation, "import key", err, "des")
		}
	case AES:
		if k.block, err = newAES(material); err != nil {
			return nil, wrapError(KindKeyDerivation, "import key", err, "aes")
		}
	default:
		return nil, newError(KindKeyDerivation, "import key", "unsupported algorithm %v", spec.Alg)
	}
	k.material = append([]byte(nil), material...)
	return k, nil
}

// ImportKey implements Provider.
func (p *SoftwareProvider) ImportKey(spec KeySpec, material []byte) (*SymmetricKey, error) {
	return NewSoftwareKey(spec, material)
}

// UnwrapKey implements Provider.
func (p *SoftwareProvider) UnwrapKey(kek *SymmetricKey, mode WrapMode, spec KeySpec, wrapped, iv []byte) (_ *SymmetricKey, err error) {
	defer recoverProvider("unwrap key", &err)
	if err := kek.require("unwrap key", UsageUnwrap); err != nil {
		return nil, err
	}
	var material []byte
	switch mode {
	case ModeDES3ECB:
		material, err = UnwrapDES3ECB(kek.block, wrapped)
		if err == nil && spec.Length != 0 && spec.Length != len(material) {
			err = newError(KindKeyDerivation, "unwrap key", "unwrapped %d bytes, want a %d-byte key", len(material), spec.Length)
		}
	case ModeAESCBC:
		material, err = UnwrapAESCBC(kek.block, iv, wrapped, spec.Length)
	default:
		return nil, newError(KindKeyDerivation, "unwrap key", "unsupported wrap mode %d", mode)
	}
	if err != nil {
		return nil, err
	}
	return NewSoftwareKey(spec, material)
}

// WrapKey implements Provider.
func (p *SoftwareProvider) WrapKey(kek *SymmetricKey, mode WrapMode, key *SymmetricKey, iv []byte) (_ []byte, err error) {
	defer recoverProvider("wrap key", &err)
	if err := kek.require("wrap key", UsageWrap); err != nil {
		return nil, err
	}
	if key == nil || key.material == nil {
		return nil, newError(KindKeyDerivation, "wrap key", "key material not extractable")
	}
	switch mode {
	case ModeDES3ECB:
		return WrapDES3ECB(kek.block, key.material)
	case ModeAESCBC:
		return WrapAESCBC(kek.block, iv, key.material)
	default:
		return nil, newError(KindKeyDerivation, "wrap key", "unsupported wrap mode %d", mode)
	}
}

// Random implements Provider.
func (p *SoftwareProvider) Random(n int) ([]byte, error) {
	r := p.Rand
	if r == nil {
		r = rand.Reader
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, wrapError(KindKeyDerivation, "random", err, "read")
	}
	return b, nil
}

// WrapDES3ECB encrypts 16- or 24-byte key material under a DES3 KEK.
func WrapDES3ECB(kek cipher.Block, material []byte) ([]byte, error) {
	if len(material) != 16 && len(material) != 24 {
		return nil, newError(KindKeyDerivation, "wrap des3", "unsupported key length %d", len(material))
	}
	out, err := ecbEncrypt(kek, material)
	if err != nil {
		return nil, wrapError(KindKeyDerivation, "wrap des3", err, "encrypt")
	}
	return out, nil
}

// UnwrapDES3ECB reverses WrapDES3ECB.
func UnwrapDES3ECB(kek cipher.Block, wrapped []byte) ([]byte, error) {
	if len(wrapped) != 16 && len(wrapped) != 24 {
		return nil, newError(KindKeyDerivation, "unwrap des3", "unsupported key length %d", len(wrapped))
	}
	out, err := ecbDecrypt(kek, wrapped)
	if err != nil {
		return nil, wrapError(KindKeyDerivation, "unwrap des3", err, "decrypt")
	}
	return out, nil
}

// WrapAESCBC encrypts 16/24/32-byte key material under an AES KEK. A nil iv
// means all zeros.
func WrapAESCBC(kek cipher.Block, iv, material []byte) ([]byte, error) {
	switch len(material) {
	case 16, 24, 32:
	default:
		return nil, newError(KindKeyDerivation, "wrap aes", "unsupported key length %d", len(material))
	}
	in := material
	if len(in)%16 != 0 {
		in = Pad80(material, 16, false)
	}
	out, err := cbcEncrypt(kek, iv, in)
	if err != nil {
		return nil, wrapError(KindKeyDerivation, "wrap aes", err, "encrypt")
	}
	return out, nil
}

// UnwrapAESCBC reverses WrapAESCBC. keyLen is the expected key length;
// a 24-byte key arrives 80-padded to 32 bytes. Zero returns the decrypted
// blocks unchanged.
func UnwrapAESCBC(kek cipher.Block, iv, wrapped []byte, keyLen int) ([]byte, error) {
	const op = "unwrap aes"
	switch len(wrapped) {
	case 16, 32:
	default:
		return nil, newError(KindKeyDerivation, op, "unsupported wrapped length %d", len(wrapped))
	}
	out, err := cbcDecrypt(kek, iv, wrapped)
	if err != nil {
		return nil, wrapError(KindKeyDerivation, op, err, "decrypt")
	}
	switch {
	case keyLen == 0 || keyLen == len(out):
		return out, nil
	case keyLen == 24 && len(out) == 32:
		unpadded, err := Unpad80(out)
		if err != nil || len(unpadded) != 24 {
			return nil, newError(KindKeyDerivation, op, "24-byte key is not 80-padded")
		}
		return unpadded, nil
	}
	return nil, newError(KindKeyDerivation, op, "unwrapped %d bytes, want a %d-byte key", len(out), keyLen)
}

// KeyCheckValue returns the 3-byte KCV of a key: DES3 encrypts eight zero
// bytes, AES encrypts sixteen 0x01 bytes.
func KeyCheckValue(k *SymmetricKey) (_ []byte, err error) {
	defer recoverProvider("key check value", &err)
	if err := k.require("key check value", UsageEncrypt); err != nil {
		return nil, err
	}
	var in []byte
	switch k.Alg() {
	case DES3:
		in = make([]byte, 8)
	case AES:
		in = make([]byte, 16)
		for i := range in {
			in[i] = 0x01
		}
	default:
		return nil, newError(KindKeyDerivation, "key check value", "unsupported algorithm %v", k.Alg())
	}
	out := make([]byte, len(in))
	k.block.Encrypt(out, in)
	return out[:3], nil
}

// LoadKeyHexFile loads a key from a .hex file. The file holds one line of
// 32, 48 or 64 hexadecimal characters; blank lines and lines starting with
// '#' are ignored.
func LoadKeyHexFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		switch len(line) {
		case 32, 48, 64:
		default:
			return nil, fmt.Errorf("key must be 32, 48 or 64 hex chars, got %d", len(line))
		}
		key, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("invalid hex key: %v", err)
		}
		return key, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("key file is empty")
}
