package gp

import (
	"fmt"
	"io"
)

const (
	keyInfoTag         = 0xE0
	keyRecordLen       = 6
	keysPerKeySet      = 3
	keyVersionInRecord = 3
)

// KeySetInfoRecord is one key entry of the key information template:
// C0 04 id version type length.
type KeySetInfoRecord struct {
	ID      byte
	Version byte
	Type    byte
	Length  byte
}

// keyInfoRecords validates the template and returns the record region.
func keyInfoRecords(tlv []byte) ([]byte, error) {
	const op = "key info"
	if len(tlv) < 2 {
		return nil, newError(KindMalformedKeyInfo, op, "template too short: %d bytes", len(tlv))
	}
	if tlv[0] != keyInfoTag {
		return nil, newError(KindMalformedKeyInfo, op, "tag %02X, want %02X", tlv[0], keyInfoTag)
	}
	length := int(tlv[1])
	start := 2
	if tlv[1] == 0x81 {
		if len(tlv) < 3 {
			return nil, newError(KindMalformedKeyInfo, op, "truncated length field")
		}
		length = int(tlv[2])
		start = 3
	} else if tlv[1] > 0x7F {
		return nil, newError(KindMalformedKeyInfo, op, "unsupported length encoding %02X", tlv[1])
	}
	if length%keyRecordLen != 0 {
		return nil, newError(KindMalformedKeyInfo, op, "record length %d is not a multiple of %d", length, keyRecordLen)
	}
	if start+length > len(tlv) {
		return nil, newError(KindMalformedKeyInfo, op, "declared length %d exceeds buffer (%d bytes)", length, len(tlv)-start)
	}
	return tlv[start : start+length], nil
}

// CalculateLatestKeySetIndex returns the key version of the last key set in
// the key information template. Keys are grouped three per key set
// (ENC, MAC, DEK) and the version is byte 3 of the set's first record.
func (p ProtocolInfo) CalculateLatestKeySetIndex(tlv []byte) (byte, error) {
	return CalculateLatestKeySetIndex(tlv)
}

// CalculateLatestKeySetIndex is the package-level form of
// ProtocolInfo.CalculateLatestKeySetIndex.
func CalculateLatestKeySetIndex(tlv []byte) (byte, error) {
	records, err := keyInfoRecords(tlv)
	if err != nil {
		return 0, err
	}
	numKeys := len(records) / keyRecordLen
	if numKeys%keysPerKeySet != 0 {
		return 0, newError(KindMalformedKeyInfo, "key info", "%d keys do not form whole key sets of %d", numKeys, keysPerKeySet)
	}
	numKeySets := numKeys / keysPerKeySet
	offset := (numKeySets-1)*keysPerKeySet*keyRecordLen + keyVersionInRecord
	if numKeySets == 0 || offset >= len(records) {
		return 0, newError(KindMalformedKeyInfo, "key info", "key set offset %d outside %d-byte record region", offset, len(records))
	}
	return records[offset], nil
}

// ParseKeyInfo decodes every key record of the template.
func ParseKeyInfo(tlv []byte) ([]KeySetInfoRecord, error) {
	records, err := keyInfoRecords(tlv)
	if err != nil {
		return nil, err
	}
	out := make([]KeySetInfoRecord, 0, len(records)/keyRecordLen)
	for i := 0; i < len(records); i += keyRecordLen {
		r := records[i : i+keyRecordLen]
		if r[0] != 0xC0 || r[1] != 0x04 {
			return nil, newError(KindMalformedKeyInfo, "key info", "record %d: header %02X%02X, want C004", i/keyRecordLen, r[0], r[1])
		}
		out = append(out, KeySetInfoRecord{ID: r[2], Version: r[3], Type: r[4], Length: r[5]})
	}
	return out, nil
}

// keyTypeLabel names the GP key type byte.
func keyTypeLabel(t byte) string {
	switch t {
	case 0x80:
		return "DES"
	case 0x88:
		return "AES"
	case 0xA1:
		return "RSA public"
	case 0xA2:
		return "RSA private"
	default:
		return fmt.Sprintf("type 0x%02X", t)
	}
}

// PrintKeyInfo writes the key records grouped by key set.
func PrintKeyInfo(w io.Writer, records []KeySetInfoRecord) {
	for i, r := range records {
		if i%keysPerKeySet == 0 {
			fmt.Fprintf(w, "  Key set %d (version 0x%02X):\n", i/keysPerKeySet+1, r.Version)
		}
		fmt.Fprintf(w, "    Key id 0x%02X  version 0x%02X  %-12s %d bytes\n", r.ID, r.Version, keyTypeLabel(r.Type), r.Length)
	}
}
