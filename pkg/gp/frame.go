package gp

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/skythen/apdu"
)

// CommandKind tags a CommandFrame with the operation it carries.
type CommandKind int

const (
	CmdSelect CommandKind = iota + 1
	CmdInitializeUpdate
	CmdExternalAuthenticate
	CmdGetData
	CmdInstallLoad
	CmdLoad
	CmdInstallApplet
	CmdDelete
	CmdPutKey
	CmdSetIssuerInfo
	CmdWriteObject
	CmdReadObject
	CmdCreateObject
	CmdDeleteObject
	CmdCreatePin
	CmdResetPin
	CmdImportKeyEncrypted
	CmdGenerateKey
	CmdGenerateKeyECC
	CmdSetLifecycle
)

var commandKindNames = map[CommandKind]string{
	CmdSelect:               "select",
	CmdInitializeUpdate:     "initialize update",
	CmdExternalAuthenticate: "external authenticate",
	CmdGetData:              "get data",
	CmdInstallLoad:          "install for load",
	CmdLoad:                 "load",
	CmdInstallApplet:        "install for install",
	CmdDelete:               "delete",
	CmdPutKey:               "put key",
	CmdSetIssuerInfo:        "set issuer info",
	CmdWriteObject:          "write object",
	CmdReadObject:           "read object",
	CmdCreateObject:         "create object",
	CmdDeleteObject:         "delete object",
	CmdCreatePin:            "create pin",
	CmdResetPin:             "reset pin",
	CmdImportKeyEncrypted:   "import key encrypted",
	CmdGenerateKey:          "generate key",
	CmdGenerateKeyECC:       "generate key ecc",
	CmdSetLifecycle:         "set lifecycle",
}

func (k CommandKind) String() string {
	if s, ok := commandKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("CommandKind(%d)", int(k))
}

// CommandFrame is one outgoing command: the header and clear data, plus the
// MAC and encrypted data filled in by Session.ComputeAPDU. A frame is built
// per command and dropped once the response is processed.
type CommandFrame struct {
	Kind CommandKind
	apdu.Capdu

	MAC           []byte
	EncryptedData []byte
}

func newFrame(kind CommandKind, cla, ins, p1, p2 byte, data []byte, ne int) *CommandFrame {
	return &CommandFrame{
		Kind:  kind,
		Capdu: apdu.Capdu{Cla: cla, Ins: ins, P1: p1, P2: p2, Data: data, Ne: ne},
	}
}

// Payload returns the data field as transmitted, before the MAC: the
// encrypted data when present, else the clear data.
func (f *CommandFrame) Payload() []byte {
	if f.EncryptedData != nil {
		return f.EncryptedData
	}
	return f.Data
}

// macHeader returns CLA INS P1 P2 Lc where Lc counts dataLen plus the MAC
// about to be appended. The secure messaging bit is set in CLA.
func (f *CommandFrame) macHeader(dataLen, macLen int) []byte {
	return []byte{f.Cla | 0x04, f.Ins, f.P1, f.P2, byte(dataLen + macLen)}
}

// Bytes serializes the frame as a short APDU:
// CLA INS P1 P2 [Lc Payload MAC] [Le].
func (f *CommandFrame) Bytes() ([]byte, error) {
	body := len(f.Payload()) + len(f.MAC)
	if body > apdu.MaxLenCommandDataStandard {
		return nil, newError(KindProtocol, f.Kind.String(), "command data too long: %d bytes", body)
	}
	if f.Ne < 0 || f.Ne > apdu.MaxLenResponseDataStandard {
		return nil, newError(KindProtocol, f.Kind.String(), "invalid Ne %d", f.Ne)
	}
	out := make([]byte, 0, 6+body)
	out = append(out, f.Cla, f.Ins, f.P1, f.P2)
	if body > 0 {
		out = append(out, byte(body))
		out = append(out, f.Payload()...)
		out = append(out, f.MAC...)
	}
	if f.Ne > 0 {
		// Ne=256 encodes as 00.
		out = append(out, byte(f.Ne))
	}
	return out, nil
}

// String renders the serialized frame as uppercase hex for logs.
func (f *CommandFrame) String() string {
	b, err := f.Bytes()
	if err != nil {
		return fmt.Sprintf("%s <%v>", f.Kind, err)
	}
	return strings.ToUpper(hex.EncodeToString(b))
}
