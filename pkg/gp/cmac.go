package gp

import (
	"crypto/cipher"
)

const cmacRb = 0x87

// AESCMACSubkeys derives the NIST SP 800-38B subkeys K1 and K2 from
// L = AES(K, 0^128).
func AESCMACSubkeys(k0 []byte) (k1, k2 []byte) {
	k1 = make([]byte, len(k0))
	leftShift1(k1, k0)
	if (k0[0] & 0x80) != 0 {
		k1[len(k1)-1] ^= cmacRb
	}

	k2 = make([]byte, len(k1))
	leftShift1(k2, k1)
	if (k1[0] & 0x80) != 0 {
		k2[len(k2)-1] ^= cmacRb
	}
	return k1, k2
}

// AESCMAC computes the 16-byte AES-CMAC of msg under key.
func AESCMAC(key, msg []byte) ([]byte, error) {
	block, err := newAES(key)
	if err != nil {
		return nil, wrapError(KindKeyDerivation, "aes-cmac", err, "cipher")
	}
	return cmacBlock(block, msg), nil
}

// cmacBlock runs CMAC over an already constructed AES block cipher, so key
// handles from any Provider can be used.
func cmacBlock(block cipher.Block, msg []byte) []byte {
	const bs = 16
	k0 := make([]byte, bs)
	block.Encrypt(k0, k0)
	k1, k2 := AESCMACSubkeys(k0)

	n := (len(msg) + bs - 1) / bs
	if n == 0 {
		n = 1
	}
	lastComplete := len(msg) != 0 && len(msg)%bs == 0

	last := make([]byte, bs)
	if lastComplete {
		copy(last, msg[(n-1)*bs:])
		xorBlock(last, last, k1)
	} else {
		remain := len(msg) - (n-1)*bs
		if remain > 0 {
			copy(last, msg[(n-1)*bs:])
		}
		last[remain] = 0x80
		xorBlock(last, last, k2)
	}

	x := make([]byte, bs)
	y := make([]byte, bs)
	for i := 0; i < n-1; i++ {
		start := i * bs
		xorBlock(y, x, msg[start:start+bs])
		block.Encrypt(x, y)
	}
	xorBlock(y, x, last)
	block.Encrypt(x, y)
	return x
}
