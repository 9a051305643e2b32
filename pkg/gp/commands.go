package gp

import (
	"encoding/binary"
)

const (
	claISO = 0x00
	claGP  = 0x80
	// claSecure is claGP with the secure messaging bit set.
	claSecure = 0x84
)

// GlobalPlatform card manager instructions.
const (
	insSelect               = 0xA4
	insInitializeUpdate     = 0x50
	insExternalAuthenticate = 0x82
	insGetData              = 0xCA
	insInstall              = 0xE6
	insLoad                 = 0xE8
	insDelete               = 0xE4
	insPutKey               = 0xD8
)

// Token applet instructions (CoolKey family).
const (
	insSetIssuerInfo      = 0xF4
	insWriteObject        = 0x54
	insReadObject         = 0x56
	insCreateObject       = 0x5A
	insDeleteObject       = 0x52
	insCreatePin          = 0x40
	insSetPin             = 0x04
	insImportKeyEncrypted = 0x0A
	insGenerateKey        = 0x0C
	insGenerateKeyECC     = 0x0D
	insSetLifecycle       = 0xF0
)

// INSTALL [for ...] P1 values.
const (
	installForLoad              = 0x02
	installForInstallMakeSelect = 0x0C
	loadLastBlock               = 0x80
	deleteRelated               = 0x80
	putKeyMultiple              = 0x80
)

// Data object tags read with GET DATA.
const (
	TagKeyInfo uint16 = 0x00E0
	TagCPLC    uint16 = 0x9F7F
)

func lv(b []byte) []byte {
	return append([]byte{byte(len(b))}, b...)
}

// SelectCommand selects an application by AID (00 A4 04 00).
func SelectCommand(aid []byte) *CommandFrame {
	return newFrame(CmdSelect, claISO, insSelect, 0x04, 0x00, aid, 256)
}

// InitializeUpdateCommand starts the handshake (80 50 kvn 00 host).
func InitializeUpdateCommand(kvn byte, hostChallenge []byte) *CommandFrame {
	return newFrame(CmdInitializeUpdate, claGP, insInitializeUpdate, kvn, 0x00, hostChallenge, 256)
}

// ExternalAuthenticateCommand carries the host cryptogram (84 82 level 00).
func ExternalAuthenticateCommand(level SecurityLevel, hostCryptogram []byte) *CommandFrame {
	return newFrame(CmdExternalAuthenticate, claSecure, insExternalAuthenticate, byte(level), 0x00, hostCryptogram, 0)
}

// GetDataCommand reads a data object by its two-byte tag (80 CA tag).
func GetDataCommand(tag uint16) *CommandFrame {
	return newFrame(CmdGetData, claGP, insGetData, byte(tag>>8), byte(tag), nil, 256)
}

// InstallForLoadCommand announces a load file:
// len pkg || pkg || len sd || sd || 00 (no hash) || len params || params || 00 (no token).
func InstallForLoadCommand(packageAID, sdAID, params []byte) (*CommandFrame, error) {
	if err := checkAID("install for load", packageAID); err != nil {
		return nil, err
	}
	data := concat(lv(packageAID), lv(sdAID), []byte{0x00}, lv(params), []byte{0x00})
	return newFrame(CmdInstallLoad, claGP, insInstall, installForLoad, 0x00, data, 256), nil
}

// LoadCommand carries one load file block; P2 is the block number.
func LoadCommand(block []byte, blockNumber byte, last bool) *CommandFrame {
	p1 := byte(0x00)
	if last {
		p1 = loadLastBlock
	}
	return newFrame(CmdLoad, claGP, insLoad, p1, blockNumber, block, 0)
}

// InstallForInstallCommand installs and makes selectable an applet:
// len pkg || pkg || len module || module || len inst || inst ||
// 01 privileges || len(C9 len params) || C9 len params || 00.
func InstallForInstallCommand(packageAID, moduleAID, instanceAID []byte, privileges byte, params []byte) (*CommandFrame, error) {
	for _, aid := range [][]byte{packageAID, moduleAID, instanceAID} {
		if err := checkAID("install for install", aid); err != nil {
			return nil, err
		}
	}
	installParams := append([]byte{0xC9}, lv(params)...)
	data := concat(lv(packageAID), lv(moduleAID), lv(instanceAID),
		[]byte{0x01, privileges}, lv(installParams), []byte{0x00})
	return newFrame(CmdInstallApplet, claGP, insInstall, installForInstallMakeSelect, 0x00, data, 256), nil
}

// DeleteCommand deletes an application or package (80 E4 00 P2 4F len aid).
func DeleteCommand(aid []byte, related bool) (*CommandFrame, error) {
	if err := checkAID("delete", aid); err != nil {
		return nil, err
	}
	p2 := byte(0x00)
	if related {
		p2 = deleteRelated
	}
	return newFrame(CmdDelete, claGP, insDelete, 0x00, p2, append([]byte{0x4F}, lv(aid)...), 256), nil
}

// PutKeyCommand replaces (oldKVN != 0) or adds (oldKVN == 0) a key set.
// keyData is the concatenation of key blocks built by Session.EncryptKey.
func PutKeyCommand(oldKVN, newKVN, firstKeyID byte, keyData []byte) *CommandFrame {
	data := append([]byte{newKVN}, keyData...)
	return newFrame(CmdPutKey, claGP, insPutKey, oldKVN, firstKeyID|putKeyMultiple, data, 256)
}

// SetIssuerInfoCommand stores the issuer information block in the token applet.
func SetIssuerInfoCommand(info []byte) *CommandFrame {
	return newFrame(CmdSetIssuerInfo, claGP, insSetIssuerInfo, 0x00, 0x00, info, 0)
}

func objectHeader(objectID uint32, offset uint32, n byte) []byte {
	h := make([]byte, 9)
	binary.BigEndian.PutUint32(h[0:4], objectID)
	binary.BigEndian.PutUint32(h[4:8], offset)
	h[8] = n
	return h
}

// WriteObjectCommand writes chunk at offset of an object:
// objID(4) || offset(4) || len(1) || chunk.
func WriteObjectCommand(objectID uint32, offset uint32, chunk []byte) *CommandFrame {
	data := append(objectHeader(objectID, offset, byte(len(chunk))), chunk...)
	return newFrame(CmdWriteObject, claGP, insWriteObject, 0x00, 0x00, data, 0)
}

// ReadObjectCommand reads n bytes at offset of an object.
func ReadObjectCommand(objectID uint32, offset uint32, n byte) *CommandFrame {
	ne := int(n)
	if ne == 0 {
		ne = 256
	}
	return newFrame(CmdReadObject, claGP, insReadObject, 0x00, 0x00, objectHeader(objectID, offset, n), ne)
}

// ObjectACL holds the read, write and delete access conditions of an object.
type ObjectACL struct {
	Read   uint16
	Write  uint16
	Delete uint16
}

// CreateObjectCommand creates an object: objID(4) || size(4) || ACLs(6).
func CreateObjectCommand(objectID uint32, size uint32, acl ObjectACL) *CommandFrame {
	data := make([]byte, 14)
	binary.BigEndian.PutUint32(data[0:4], objectID)
	binary.BigEndian.PutUint32(data[4:8], size)
	binary.BigEndian.PutUint16(data[8:10], acl.Read)
	binary.BigEndian.PutUint16(data[10:12], acl.Write)
	binary.BigEndian.PutUint16(data[12:14], acl.Delete)
	return newFrame(CmdCreateObject, claGP, insCreateObject, 0x00, 0x00, data, 0)
}

// DeleteObjectCommand removes an object and zeroes its storage.
func DeleteObjectCommand(objectID uint32) *CommandFrame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, objectID)
	return newFrame(CmdDeleteObject, claGP, insDeleteObject, 0x01, 0x00, data, 0)
}

// CreatePinCommand creates PIN pinNumber with a retry limit.
func CreatePinCommand(pinNumber, maxRetries byte, pin []byte) *CommandFrame {
	return newFrame(CmdCreatePin, claGP, insCreatePin, pinNumber, maxRetries, pin, 0)
}

// ResetPinCommand sets PIN pinNumber to a new value without the old one.
func ResetPinCommand(pinNumber byte, pin []byte) *CommandFrame {
	return newFrame(CmdResetPin, claGP, insSetPin, pinNumber, 0x00, pin, 0)
}

// ImportKeyEncryptedCommand imports a private key wrapped under the
// token's key encryption key into slot privKey, public part in pubKey.
func ImportKeyEncryptedCommand(privKey, pubKey byte, blob []byte) *CommandFrame {
	return newFrame(CmdImportKeyEncrypted, claGP, insImportKeyEncrypted, privKey, pubKey, blob, 0)
}

// Key generation algorithms.
const (
	AlgRSA    byte = 0x00
	AlgRSACRT byte = 0x01
	AlgECC    byte = 0x0A
)

// GenerateKeyRequest describes an on-card key pair generation.
type GenerateKeyRequest struct {
	PrivateKeyNumber byte
	PublicKeyNumber  byte
	Algorithm        byte
	KeySize          uint16
	Option           byte
	KeyType          byte
	WrappedChallenge []byte
	KeyCheck         []byte
}

// GenerateKeyCommand builds the RSA or ECC generation command:
// alg(1) || size(2) || option(1) || type(1) || len(2) || wrapped challenge ||
// len(1) || key check.
func GenerateKeyCommand(req GenerateKeyRequest) (*CommandFrame, error) {
	if req.KeySize == 0 {
		return nil, newError(KindProtocol, "generate key", "key size is zero")
	}
	if len(req.KeyCheck) > 0xFF || len(req.WrappedChallenge) > 0xFFFF {
		return nil, newError(KindProtocol, "generate key", "challenge or key check too long")
	}
	data := make([]byte, 7, 8+len(req.WrappedChallenge)+len(req.KeyCheck))
	data[0] = req.Algorithm
	binary.BigEndian.PutUint16(data[1:3], req.KeySize)
	data[3] = req.Option
	data[4] = req.KeyType
	binary.BigEndian.PutUint16(data[5:7], uint16(len(req.WrappedChallenge)))
	data = append(data, req.WrappedChallenge...)
	data = append(data, lv(req.KeyCheck)...)

	kind, ins := CmdGenerateKey, byte(insGenerateKey)
	if req.Algorithm == AlgECC {
		kind, ins = CmdGenerateKeyECC, insGenerateKeyECC
	}
	return newFrame(kind, claGP, ins, req.PrivateKeyNumber, req.PublicKeyNumber, data, 256), nil
}

// Token lifecycle states.
const (
	LifecycleUninitialized byte = 0x01
	LifecyclePersonalized  byte = 0x0F
)

// SetLifecycleCommand moves the token applet to a new lifecycle state.
func SetLifecycleCommand(state byte) *CommandFrame {
	return newFrame(CmdSetLifecycle, claGP, insSetLifecycle, state, 0x00, nil, 0)
}

func checkAID(op string, aid []byte) error {
	if len(aid) < 5 || len(aid) > 16 {
		return newError(KindProtocol, op, "AID must be 5..16 bytes, got %d", len(aid))
	}
	return nil
}
