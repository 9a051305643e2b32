package gp

import (
	"crypto/cipher"
	"crypto/des"
	"fmt"
)

// FullTDESMAC computes the ISO/IEC 9797-1 algorithm 1 MAC with 3DES-CBC:
// the last ciphertext block of the already padded data, chained from icv.
// It is used for SCP01/SCP02 cryptograms and the SCP01 C-MAC.
func FullTDESMAC(key, icv, data []byte) ([]byte, error) {
	block, err := newDES3(key)
	if err != nil {
		return nil, wrapError(KindKeyDerivation, "full 3des mac", err, "cipher")
	}
	return fullMAC(block, icv, data)
}

func fullMAC(block cipher.Block, icv, data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%8 != 0 {
		return nil, fmt.Errorf("MAC input must be a non-empty multiple of 8 bytes, got %d", len(data))
	}
	out, err := cbcEncrypt(block, icv, data)
	if err != nil {
		return nil, err
	}
	return out[len(out)-8:], nil
}

// RetailMAC computes the ISO/IEC 9797-1 algorithm 3 MAC used for the SCP02
// C-MAC: single DES with the first key half over all blocks, 3DES on the
// final block.
func RetailMAC(key, icv, data []byte) ([]byte, error) {
	if len(key) != 16 && len(key) != 24 {
		return nil, newError(KindKeyDerivation, "retail mac", "invalid key length %d", len(key))
	}
	single, err := des.NewCipher(key[:8])
	if err != nil {
		return nil, wrapError(KindKeyDerivation, "retail mac", err, "cipher")
	}
	triple, err := newDES3(key)
	if err != nil {
		return nil, wrapError(KindKeyDerivation, "retail mac", err, "cipher")
	}
	return retailMAC(single, triple, icv, data)
}

func retailMAC(single, triple cipher.Block, icv, data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%8 != 0 {
		return nil, fmt.Errorf("MAC input must be a non-empty multiple of 8 bytes, got %d", len(data))
	}
	chain := make([]byte, 8)
	if icv != nil {
		copy(chain, icv)
	}
	last := len(data) - 8
	for i := 0; i < last; i += 8 {
		xorBlock(chain, chain, data[i:i+8])
		single.Encrypt(chain, chain)
	}
	xorBlock(chain, chain, data[last:])
	triple.Encrypt(chain, chain)
	return chain, nil
}
