package gp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"fmt"

	"github.com/pkg/errors"
)

func cbcEncrypt(block cipher.Block, iv, data []byte) ([]byte, error) {
	bs := block.BlockSize()
	if len(data)%bs != 0 {
		return nil, fmt.Errorf("CBC encrypt: data not block aligned")
	}
	if iv == nil {
		iv = make([]byte, bs)
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func cbcDecrypt(block cipher.Block, iv, data []byte) ([]byte, error) {
	bs := block.BlockSize()
	if len(data)%bs != 0 {
		return nil, fmt.Errorf("CBC decrypt: data not block aligned")
	}
	if iv == nil {
		iv = make([]byte, bs)
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func ecbEncrypt(block cipher.Block, data []byte) ([]byte, error) {
	bs := block.BlockSize()
	if len(data)%bs != 0 {
		return nil, fmt.Errorf("ECB encrypt: data not block aligned")
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += bs {
		block.Encrypt(out[i:i+bs], data[i:i+bs])
	}
	return out, nil
}

func ecbDecrypt(block cipher.Block, data []byte) ([]byte, error) {
	bs := block.BlockSize()
	if len(data)%bs != 0 {
		return nil, fmt.Errorf("ECB decrypt: data not block aligned")
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += bs {
		block.Decrypt(out[i:i+bs], data[i:i+bs])
	}
	return out, nil
}

// newDES3 accepts 16-byte (two-key) or 24-byte (three-key) DES material.
func newDES3(key []byte) (cipher.Block, error) {
	switch len(key) {
	case 16:
		k, _ := Des2To3(key)
		return des.NewTripleDESCipher(k)
	case 24:
		return des.NewTripleDESCipher(key)
	default:
		return nil, errors.Errorf("invalid DES3 key length %d", len(key))
	}
}

func newAES(key []byte) (cipher.Block, error) {
	switch len(key) {
	case 16, 24, 32:
		return aes.NewCipher(key)
	default:
		return nil, errors.Errorf("invalid AES key length %d", len(key))
	}
}

// Pad80 appends 0x80 and zeros up to a multiple of blockSize
// (ISO/IEC 9797-1 method 2). Aligned input is only padded when force is set.
func Pad80(data []byte, blockSize int, force bool) []byte {
	if !force && len(data)%blockSize == 0 {
		out := make([]byte, len(data))
		copy(out, data)
		return out
	}
	padLen := blockSize - (len(data) % blockSize)
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

// Unpad80 strips ISO/IEC 9797-1 method 2 padding.
func Unpad80(data []byte) ([]byte, error) {
	idx := len(data) - 1
	for idx >= 0 && data[idx] == 0x00 {
		idx--
	}
	if idx < 0 || data[idx] != 0x80 {
		return nil, errors.New("bad padding")
	}
	return data[:idx], nil
}

func leftShift1(dst, src []byte) {
	var carry byte
	for i := len(src) - 1; i >= 0; i-- {
		b := src[i]
		dst[i] = (b << 1) | carry
		carry = (b >> 7) & 1
	}
}

func xorBlock(dst, a, b []byte) {
	for i := 0; i < len(a) && i < len(b); i++ {
		dst[i] = a[i] ^ b[i]
	}
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
