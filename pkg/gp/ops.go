package gp

import (
	"log/slog"
)

// ObjectChunkSize is the largest object slice moved by one WRITE OBJECT or
// READ OBJECT command.
const ObjectChunkSize = 0xD0

// Token runs security domain and token applet operations over an
// authenticated session. Every operation sends one or more protected
// commands and requires 9000.
type Token struct {
	Session Session
	Logger  *slog.Logger
}

// NewToken returns a Token bound to s.
func NewToken(s Session) *Token {
	return &Token{Session: s, Logger: slog.Default()}
}

func (t *Token) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// send transmits f, or aborts the session when building f failed.
func (t *Token) send(f *CommandFrame, err error) ([]byte, error) {
	if err != nil {
		return nil, t.Session.Abort(err)
	}
	return t.Session.Send(f)
}

// SelectApplet selects an applet by AID inside the secure channel.
func (t *Token) SelectApplet(aid []byte) ([]byte, error) {
	return t.send(SelectCommand(aid), checkAID("select", aid))
}

// GetData reads a data object by tag.
func (t *Token) GetData(tag uint16) ([]byte, error) {
	return t.Session.Send(GetDataCommand(tag))
}

// InstallLoad announces a load file for packageAID to the security domain.
func (t *Token) InstallLoad(packageAID, sdAID, params []byte) error {
	_, err := t.send(InstallForLoadCommand(packageAID, sdAID, params))
	return err
}

// LoadFile sends a load file in LOAD blocks. blockSize is the card's
// maximum command data size; room is left for the MAC and, with C-DEC,
// for padding.
func (t *Token) LoadFile(data []byte, blockSize int) error {
	overhead := 8
	if t.Session.SecurityLevel().CDEC() {
		overhead = 0x10
	}
	chunk := blockSize - overhead
	if len(data) == 0 || chunk <= 0 {
		return t.Session.Abort(newError(KindProtocol, "load", "invalid load: %d bytes, block size %d", len(data), blockSize))
	}
	blocks := (len(data) + chunk - 1) / chunk
	if blocks > 256 {
		return t.Session.Abort(newError(KindProtocol, "load", "load file needs %d blocks, at most 256 allowed", blocks))
	}
	for i := 0; i < blocks; i++ {
		end := min((i+1)*chunk, len(data))
		last := i == blocks-1
		if _, err := t.Session.Send(LoadCommand(data[i*chunk:end], byte(i), last)); err != nil {
			return err
		}
		t.logger().Debug("load block", "block", i, "of", blocks, "bytes", end-i*chunk)
	}
	return nil
}

// InstallApplet installs and makes selectable an applet instance.
func (t *Token) InstallApplet(packageAID, moduleAID, instanceAID []byte, privileges byte, params []byte) error {
	_, err := t.send(InstallForInstallCommand(packageAID, moduleAID, instanceAID, privileges, params))
	return err
}

// Delete removes an application or package.
func (t *Token) Delete(aid []byte, related bool) error {
	_, err := t.send(DeleteCommand(aid, related))
	return err
}

// SetIssuerInfo stores the issuer information block.
func (t *Token) SetIssuerInfo(info []byte) error {
	if len(info) == 0 {
		return t.Session.Abort(newError(KindProtocol, "set issuer info", "issuer info is empty"))
	}
	_, err := t.Session.Send(SetIssuerInfoCommand(info))
	return err
}

// WriteObject writes data to an object in ObjectChunkSize pieces.
func (t *Token) WriteObject(objectID uint32, data []byte) error {
	for off := 0; off < len(data); off += ObjectChunkSize {
		end := min(off+ObjectChunkSize, len(data))
		if _, err := t.Session.Send(WriteObjectCommand(objectID, uint32(off), data[off:end])); err != nil {
			return err
		}
	}
	return nil
}

// ReadObject reads length bytes of an object starting at offset.
func (t *Token) ReadObject(objectID uint32, offset, length uint32) ([]byte, error) {
	out := make([]byte, 0, min(length, 64*ObjectChunkSize))
	for read := uint32(0); read < length; {
		n := min(length-read, ObjectChunkSize)
		data, err := t.Session.Send(ReadObjectCommand(objectID, offset+read, byte(n)))
		if err != nil {
			return nil, err
		}
		if len(data) != int(n) {
			return nil, t.Session.Abort(newError(KindProtocol, "read object", "expected %d bytes at offset %d, got %d", n, offset+read, len(data)))
		}
		out = append(out, data...)
		read += n
	}
	return out, nil
}

// CreateObject creates an object of size bytes with the given ACL.
func (t *Token) CreateObject(objectID uint32, size uint32, acl ObjectACL) error {
	_, err := t.Session.Send(CreateObjectCommand(objectID, size, acl))
	return err
}

// DeleteObject removes an object.
func (t *Token) DeleteObject(objectID uint32) error {
	_, err := t.Session.Send(DeleteObjectCommand(objectID))
	return err
}

// CreatePin creates a PIN with a retry limit.
func (t *Token) CreatePin(pinNumber, maxRetries byte, pin []byte) error {
	if len(pin) == 0 || maxRetries == 0 {
		return t.Session.Abort(newError(KindProtocol, "create pin", "PIN and retry limit are required"))
	}
	_, err := t.Session.Send(CreatePinCommand(pinNumber, maxRetries, pin))
	return err
}

// ResetPin sets a new PIN value.
func (t *Token) ResetPin(pinNumber byte, pin []byte) error {
	if len(pin) == 0 {
		return t.Session.Abort(newError(KindProtocol, "reset pin", "PIN is required"))
	}
	_, err := t.Session.Send(ResetPinCommand(pinNumber, pin))
	return err
}

// PutKeys replaces (oldKVN != 0) or adds a key set of ENC, MAC and DEK
// keys. Each key is encrypted by the session before sending.
func (t *Token) PutKeys(p Provider, oldKVN, newKVN byte, keys []*SymmetricKey) error {
	if len(keys) == 0 || len(keys) > keysPerKeySet {
		return t.Session.Abort(newError(KindProtocol, "put key", "expected 1..%d keys, got %d", keysPerKeySet, len(keys)))
	}
	var data []byte
	for _, k := range keys {
		block, err := t.Session.EncryptKey(p, k)
		if err != nil {
			return t.Session.Abort(err)
		}
		data = append(data, block...)
	}
	resp, err := t.Session.Send(PutKeyCommand(oldKVN, newKVN, 0x01, data))
	if err != nil {
		return err
	}
	t.logger().Info("key set stored", "kvn", newKVN, "response", hexString(resp))
	return nil
}

// ImportKeyEncrypted imports a wrapped private key into slot privKey.
func (t *Token) ImportKeyEncrypted(privKey, pubKey byte, blob []byte) error {
	if len(blob) == 0 {
		return t.Session.Abort(newError(KindProtocol, "import key encrypted", "key blob is empty"))
	}
	_, err := t.Session.Send(ImportKeyEncryptedCommand(privKey, pubKey, blob))
	return err
}

// GenerateKey generates an RSA key pair on the token and returns the
// response (the public key or its proof).
func (t *Token) GenerateKey(req GenerateKeyRequest) ([]byte, error) {
	if req.Algorithm == AlgECC {
		return nil, t.Session.Abort(newError(KindProtocol, "generate key", "use GenerateKeyECC for ECC keys"))
	}
	return t.send(GenerateKeyCommand(req))
}

// GenerateKeyECC generates an EC key pair on the token.
func (t *Token) GenerateKeyECC(req GenerateKeyRequest) ([]byte, error) {
	req.Algorithm = AlgECC
	return t.send(GenerateKeyCommand(req))
}

// SetLifecycleState moves the token applet to state.
func (t *Token) SetLifecycleState(state byte) error {
	_, err := t.Session.Send(SetLifecycleCommand(state))
	return err
}
