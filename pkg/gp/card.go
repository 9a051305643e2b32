package gp

import (
	"fmt"

	"github.com/skythen/apdu"
)

// Card abstracts card transmit behavior for real PC/SC cards and test doubles.
type Card interface {
	Transmit(apdu []byte) ([]byte, error)
}

// Transmit sends a raw command to the card and splits off the status word.
// Card I/O failures and truncated responses are reported as KindTransport.
func Transmit(card Card, raw []byte) (apdu.Rapdu, error) {
	resp, err := card.Transmit(raw)
	if err != nil {
		return apdu.Rapdu{}, wrapError(KindTransport, "transmit", err, "card transmit")
	}
	if len(resp) < 2 {
		return apdu.Rapdu{}, newError(KindTransport, "transmit", "short response: %d bytes", len(resp))
	}
	return apdu.Rapdu{
		Data: resp[:len(resp)-2],
		SW1:  resp[len(resp)-2],
		SW2:  resp[len(resp)-1],
	}, nil
}

// StatusWord returns SW1SW2 of a response as a single value.
func StatusWord(r apdu.Rapdu) uint16 {
	return uint16(r.SW1)<<8 | uint16(r.SW2)
}

// exchange transmits a plain (unprotected) frame and requires 9000.
func exchange(card Card, op string, f *CommandFrame) ([]byte, error) {
	raw, err := f.Bytes()
	if err != nil {
		return nil, err
	}
	resp, err := Transmit(card, raw)
	if err != nil {
		return nil, err
	}
	if sw := StatusWord(resp); !SwOK(sw) {
		return nil, statusError(op, f.Ins, sw)
	}
	return resp.Data, nil
}

// Select selects aid outside a secure channel.
func Select(card Card, aid []byte) ([]byte, error) {
	return exchange(card, "select", SelectCommand(aid))
}

// GetKeyInfo reads the key information template (GET DATA 00E0). The
// security domain must be selected first.
func GetKeyInfo(card Card) ([]byte, error) {
	return exchange(card, "get key info", GetDataCommand(TagKeyInfo))
}

// CPLC holds the Card Production Life Cycle fields used to identify a card.
type CPLC struct {
	ICFabricator     []byte // 2 bytes
	ICType           []byte // 2 bytes
	OSID             []byte // 2 bytes
	OSReleaseDate    []byte // 2 bytes
	OSReleaseLevel   []byte // 2 bytes
	ICFabricationDay []byte // 2 bytes
	ICSerialNumber   []byte // 4 bytes
	ICBatchID        []byte // 2 bytes
	Raw              []byte
}

// CUID returns the 10-byte card unique identifier
// (fabricator || type || batch || serial) used by key services to select
// diversified keys.
func (c *CPLC) CUID() []byte {
	out := make([]byte, 0, 10)
	out = append(out, c.ICFabricator...)
	out = append(out, c.ICType...)
	out = append(out, c.ICBatchID...)
	out = append(out, c.ICSerialNumber...)
	return out
}

// GetCPLC reads the CPLC data object with GET DATA (80 CA 9F 7F).
// The security domain must be selected first.
func GetCPLC(card Card) (*CPLC, error) {
	data, err := exchange(card, "get cplc", GetDataCommand(TagCPLC))
	if err != nil {
		return nil, err
	}
	// Some cards omit the 9F7F tag and length.
	if len(data) >= 3 && data[0] == 0x9F && data[1] == 0x7F {
		data = data[3:]
	}
	if len(data) < 20 {
		return nil, newError(KindProtocol, "get cplc", "CPLC too short: %d bytes", len(data))
	}
	return &CPLC{
		ICFabricator:     data[0:2],
		ICType:           data[2:4],
		OSID:             data[4:6],
		OSReleaseDate:    data[6:8],
		OSReleaseLevel:   data[8:10],
		ICFabricationDay: data[10:12],
		ICSerialNumber:   data[12:16],
		ICBatchID:        data[16:18],
		Raw:              data,
	}, nil
}

// String formats the CPLC fields on one line.
func (c *CPLC) String() string {
	return fmt.Sprintf("fabricator=%X type=%X os=%X serial=%X batch=%X",
		c.ICFabricator, c.ICType, c.OSID, c.ICSerialNumber, c.ICBatchID)
}
