package gp

import (
	"crypto/cipher"
	"encoding/binary"
)

// Derivation purpose constants for SCP02 session keys.
var (
	PurposeCMAC = [2]byte{0x01, 0x01}
	PurposeRMAC = [2]byte{0x01, 0x02}
	PurposeDEK  = [2]byte{0x01, 0x81}
	PurposeENC  = [2]byte{0x01, 0x82}
)

// Derivation constants for the SCP03 KDF.
const (
	DerivCardCryptogram byte = 0x00
	DerivHostCryptogram byte = 0x01
	DerivCardChallenge  byte = 0x02
	DerivSENC           byte = 0x04
	DerivSMAC           byte = 0x06
	DerivSRMAC          byte = 0x07
)

// Des2To3 expands two-key DES material to the 24-byte K1||K2||K1 form.
func Des2To3(key []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, newError(KindKeyDerivation, "des2to3", "key must be 16 bytes, got %d", len(key))
	}
	out := make([]byte, 24)
	copy(out, key)
	copy(out[16:], key[:8])
	return out, nil
}

// desParityTable maps b>>1 to the byte with the same upper seven bits and
// odd parity.
var desParityTable = [128]byte{
	0x01, 0x02, 0x04, 0x07, 0x08, 0x0b, 0x0d, 0x0e, 0x10, 0x13, 0x15, 0x16, 0x19, 0x1a, 0x1c, 0x1f,
	0x20, 0x23, 0x25, 0x26, 0x29, 0x2a, 0x2c, 0x2f, 0x31, 0x32, 0x34, 0x37, 0x38, 0x3b, 0x3d, 0x3e,
	0x40, 0x43, 0x45, 0x46, 0x49, 0x4a, 0x4c, 0x4f, 0x51, 0x52, 0x54, 0x57, 0x58, 0x5b, 0x5d, 0x5e,
	0x61, 0x62, 0x64, 0x67, 0x68, 0x6b, 0x6d, 0x6e, 0x70, 0x73, 0x75, 0x76, 0x79, 0x7a, 0x7c, 0x7f,
	0x80, 0x83, 0x85, 0x86, 0x89, 0x8a, 0x8c, 0x8f, 0x91, 0x92, 0x94, 0x97, 0x98, 0x9b, 0x9d, 0x9e,
	0xa1, 0xa2, 0xa4, 0xa7, 0xa8, 0xab, 0xad, 0xae, 0xb0, 0xb3, 0xb5, 0xb6, 0xb9, 0xba, 0xbc, 0xbf,
	0xc1, 0xc2, 0xc4, 0xc7, 0xc8, 0xcb, 0xcd, 0xce, 0xd0, 0xd3, 0xd5, 0xd6, 0xd9, 0xda, 0xdc, 0xdf,
	0xe0, 0xe3, 0xe5, 0xe6, 0xe9, 0xea, 0xec, 0xef, 0xf1, 0xf2, 0xf4, 0xf7, 0xf8, 0xfb, 0xfd, 0xfe,
}

// DESParity returns a copy of key with every byte adjusted to odd parity.
func DESParity(key []byte) ([]byte, error) {
	switch len(key) {
	case 8, 16, 24:
	default:
		return nil, newError(KindKeyDerivation, "des parity", "key must be 8, 16 or 24 bytes, got %d", len(key))
	}
	out := make([]byte, len(key))
	for i, b := range key {
		out[i] = desParityTable[b>>1]
	}
	return out, nil
}

// kdfInput lays out one SCP03 KDF block:
// label(11x00) || constant || 00 || L(2, BE) || counter || context.
func kdfInput(constant byte, bits uint16, counter byte, context []byte) []byte {
	in := make([]byte, 16, 16+len(context))
	in[11] = constant
	binary.BigEndian.PutUint16(in[13:15], bits)
	in[15] = counter
	return append(in, context...)
}

func kdfBlock(block cipher.Block, constant byte, context []byte, bits int) []byte {
	n := (bits/8 + 15) / 16
	out := make([]byte, 0, n*16)
	for i := 1; i <= n; i++ {
		out = append(out, cmacBlock(block, kdfInput(constant, uint16(bits), byte(i), context))...)
	}
	return out[:bits/8]
}

// KDFSCP03 derives a 64-bit value (a cryptogram) with the SCP03 counter-mode
// KDF. constant selects the derivation purpose.
func KDFSCP03(key, context []byte, constant byte) ([]byte, error) {
	return DeriveSCP03Key(key, constant, context, 64)
}

// DeriveSCP03Key is the general SCP03 KDF for any output length in bits
// (64 for cryptograms, 128..256 for session keys).
func DeriveSCP03Key(key []byte, constant byte, context []byte, bits int) ([]byte, error) {
	if bits <= 0 || bits%8 != 0 || bits > 0xFFFF {
		return nil, newError(KindKeyDerivation, "scp03 kdf", "invalid output length %d bits", bits)
	}
	block, err := newAES(key)
	if err != nil {
		return nil, wrapError(KindKeyDerivation, "scp03 kdf", err, "cipher")
	}
	return kdfBlock(block, constant, context, bits), nil
}

// DeriveSCP02SessionKey derives an SCP02 session key by 3DES-CBC encrypting
// purpose || sequenceCounter || 00*12 under the static key.
func DeriveSCP02SessionKey(static, seq []byte, purpose [2]byte) ([]byte, error) {
	if len(seq) != 2 {
		return nil, newError(KindKeyDerivation, "scp02 derive", "sequence counter must be 2 bytes, got %d", len(seq))
	}
	block, err := newDES3(static)
	if err != nil {
		return nil, wrapError(KindKeyDerivation, "scp02 derive", err, "cipher")
	}
	in := make([]byte, 16)
	copy(in, purpose[:])
	copy(in[2:], seq)
	out, err := cbcEncrypt(block, nil, in)
	if err != nil {
		return nil, wrapError(KindKeyDerivation, "scp02 derive", err, "encrypt")
	}
	return out, nil
}

// DeriveSCP01SessionKey derives an SCP01 session key by 3DES-ECB encrypting
// card[4:8] || host[0:4] || card[0:4] || host[4:8] under the static key.
func DeriveSCP01SessionKey(static, hostChallenge, cardChallenge []byte) ([]byte, error) {
	if len(hostChallenge) != 8 || len(cardChallenge) != 8 {
		return nil, newError(KindKeyDerivation, "scp01 derive", "challenges must be 8 bytes")
	}
	block, err := newDES3(static)
	if err != nil {
		return nil, wrapError(KindKeyDerivation, "scp01 derive", err, "cipher")
	}
	in := concat(cardChallenge[4:8], hostChallenge[0:4], cardChallenge[0:4], hostChallenge[4:8])
	out, err := ecbEncrypt(block, in)
	if err != nil {
		return nil, wrapError(KindKeyDerivation, "scp01 derive", err, "encrypt")
	}
	return out, nil
}
