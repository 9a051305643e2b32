package cardsim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/subtle"
	"fmt"

	"github.com/barnettlynn/gpscp/pkg/gp"
	"github.com/pkg/errors"
)

// channel is the card side of one secure channel.
type channel struct {
	protocol gp.Protocol
	impl     byte
	keySet   KeySet

	host, card, seq []byte
	cryptogram      []byte

	// Session keys. For SCP01 and SCP03 dek is the static DEK.
	enc, mac, rmac, dek []byte

	level         byte
	authenticated bool
	icv           []byte
	rmacICV       []byte
	counter       [16]byte
	lastCommand   []byte
}

func newChannel(p gp.Protocol, impl byte, ks KeySet, host, card, seq []byte) (*channel, error) {
	ch := &channel{protocol: p, impl: impl, keySet: ks, host: host, card: card, seq: seq}
	var err error
	switch p {
	case gp.SCP01:
		if ch.enc, err = gp.DeriveSCP01SessionKey(ks.ENC, host, card); err != nil {
			return nil, err
		}
		if ch.mac, err = gp.DeriveSCP01SessionKey(ks.MAC, host, card); err != nil {
			return nil, err
		}
		ch.dek = ks.DEK
		ch.icv = make([]byte, 8)
		ch.cryptogram, err = gp.FullTDESMAC(ch.enc, nil, gp.Pad80(append(append([]byte{}, host...), card...), 8, true))
	case gp.SCP02:
		if ch.enc, err = gp.DeriveSCP02SessionKey(ks.ENC, seq, gp.PurposeENC); err != nil {
			return nil, err
		}
		if ch.mac, err = gp.DeriveSCP02SessionKey(ks.MAC, seq, gp.PurposeCMAC); err != nil {
			return nil, err
		}
		if ch.rmac, err = gp.DeriveSCP02SessionKey(ks.MAC, seq, gp.PurposeRMAC); err != nil {
			return nil, err
		}
		if ch.dek, err = gp.DeriveSCP02SessionKey(ks.DEK, seq, gp.PurposeDEK); err != nil {
			return nil, err
		}
		ch.icv = make([]byte, 8)
		ch.rmacICV = make([]byte, 8)
		in := append(append(append([]byte{}, host...), seq...), card...)
		ch.cryptogram, err = gp.FullTDESMAC(ch.enc, nil, gp.Pad80(in, 8, true))
	case gp.SCP03:
		ctx := append(append([]byte{}, host...), card...)
		bits := len(ks.ENC) * 8
		if ch.enc, err = gp.DeriveSCP03Key(ks.ENC, gp.DerivSENC, ctx, bits); err != nil {
			return nil, err
		}
		if ch.mac, err = gp.DeriveSCP03Key(ks.MAC, gp.DerivSMAC, ctx, bits); err != nil {
			return nil, err
		}
		if ch.rmac, err = gp.DeriveSCP03Key(ks.MAC, gp.DerivSRMAC, ctx, bits); err != nil {
			return nil, err
		}
		ch.dek = ks.DEK
		ch.icv = make([]byte, 16)
		ch.cryptogram, err = gp.KDFSCP03(ch.mac, ctx, gp.DerivCardCryptogram)
	default:
		return nil, errors.Errorf("unsupported protocol %v", p)
	}
	return ch, err
}

func (ch *channel) hostCryptogram() ([]byte, error) {
	switch ch.protocol {
	case gp.SCP01:
		return gp.FullTDESMAC(ch.enc, nil, gp.Pad80(concat(ch.card, ch.host), 8, true))
	case gp.SCP02:
		return gp.FullTDESMAC(ch.enc, nil, gp.Pad80(concat(ch.seq, ch.card, ch.host), 8, true))
	default:
		return gp.KDFSCP03(ch.mac, concat(ch.host, ch.card), gp.DerivHostCryptogram)
	}
}

// unwrap verifies the C-MAC of a secure command and returns its clear data.
func (ch *channel) unwrap(c *command) ([]byte, error) {
	isEA := c.ins == insExternalAuthenticate
	if len(c.data) < 8 {
		return nil, errors.New("no C-MAC")
	}
	payload, got := c.data[:len(c.data)-8], c.data[len(c.data)-8:]
	decrypt := !isEA && ch.level&levelCDEC != 0

	switch ch.protocol {
	case gp.SCP01:
		body := payload
		if decrypt && len(payload) > 0 {
			plain, err := des3CBCDecrypt(ch.enc, payload)
			if err != nil {
				return nil, err
			}
			if len(plain) == 0 || int(plain[0]) > len(plain)-1 {
				return nil, errors.New("bad SCP01 plaintext length")
			}
			body = plain[1 : 1+int(plain[0])]
		}
		want, err := gp.FullTDESMAC(ch.mac, ch.icv, gp.Pad80(concat(c.header(len(body)+8), body), 8, true))
		if err != nil {
			return nil, err
		}
		if err := compare("C-MAC", want, got); err != nil {
			return nil, err
		}
		ch.icv = want
		return body, nil

	case gp.SCP02:
		body := payload
		if decrypt && len(payload) > 0 {
			plain, err := des3CBCDecrypt(ch.enc, payload)
			if err != nil {
				return nil, err
			}
			if body, err = gp.Unpad80(plain); err != nil {
				return nil, err
			}
		}
		icv := ch.icv
		if !isEA && ch.impl&0x10 != 0 {
			single, err := des.NewCipher(ch.mac[:8])
			if err != nil {
				return nil, err
			}
			icv = make([]byte, 8)
			single.Encrypt(icv, ch.icv)
		}
		header := c.header(len(body) + 8)
		want, err := gp.RetailMAC(ch.mac, icv, gp.Pad80(concat(header, body), 8, true))
		if err != nil {
			return nil, err
		}
		if err := compare("C-MAC", want, got); err != nil {
			return nil, err
		}
		ch.icv = want
		ch.lastCommand = concat(header[:4], []byte{byte(len(body))}, body)
		return body, nil

	default:
		full, err := gp.AESCMAC(ch.mac, concat(ch.icv, c.header(len(payload)+8), payload))
		if err != nil {
			return nil, err
		}
		if err := compare("C-MAC", full[:8], got); err != nil {
			return nil, err
		}
		ch.icv = full
		if !decrypt {
			return payload, nil
		}
		ch.incrementCounter()
		if len(payload) == 0 {
			return payload, nil
		}
		block, err := aes.NewCipher(ch.enc)
		if err != nil {
			return nil, err
		}
		iv := make([]byte, 16)
		block.Encrypt(iv, ch.counter[:])
		if len(payload)%16 != 0 {
			return nil, errors.New("ciphertext is not block aligned")
		}
		plain := make([]byte, len(payload))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, payload)
		return gp.Unpad80(plain)
	}
}

// wrapResponse appends the R-MAC when the channel level requires it.
func (ch *channel) wrapResponse(ins byte, data []byte, sw uint16) ([]byte, error) {
	if ch.level&levelRMAC == 0 || ins == insExternalAuthenticate {
		return data, nil
	}
	swb := []byte{byte(sw >> 8), byte(sw)}
	switch ch.protocol {
	case gp.SCP02:
		in := concat(ch.lastCommand, []byte{byte(len(data))}, data, swb)
		mac, err := gp.RetailMAC(ch.rmac, ch.rmacICV, gp.Pad80(in, 8, true))
		if err != nil {
			return nil, err
		}
		ch.rmacICV = mac
		return concat(data, mac), nil
	case gp.SCP03:
		mac, err := gp.AESCMAC(ch.rmac, concat(ch.icv, data, swb))
		if err != nil {
			return nil, err
		}
		return concat(data, mac[:8]), nil
	}
	return data, nil
}

func (ch *channel) incrementCounter() {
	for i := len(ch.counter) - 1; i >= 0; i-- {
		ch.counter[i]++
		if ch.counter[i] != 0 {
			return
		}
	}
}

// decryptKey recovers a key from a PUT KEY block and checks its KCV.
func (ch *channel) decryptKey(keyType byte, enc, kcv []byte) ([]byte, error) {
	var (
		key   []byte
		check []byte
	)
	switch keyType {
	case 0x80:
		block, err := des.NewTripleDESCipher(des3Key(ch.dek))
		if err != nil {
			return nil, err
		}
		if len(enc)%8 != 0 {
			return nil, errors.New("key block not aligned")
		}
		key = make([]byte, len(enc))
		for i := 0; i < len(enc); i += 8 {
			block.Decrypt(key[i:i+8], enc[i:i+8])
		}
		kb, err := des.NewTripleDESCipher(des3Key(key))
		if err != nil {
			return nil, err
		}
		check = make([]byte, 8)
		kb.Encrypt(check, make([]byte, 8))
	case 0x88:
		block, err := aes.NewCipher(ch.dek)
		if err != nil {
			return nil, err
		}
		if len(enc)%16 != 0 {
			return nil, errors.New("key block not aligned")
		}
		key = make([]byte, len(enc))
		cipher.NewCBCDecrypter(block, make([]byte, 16)).CryptBlocks(key, enc)
		kb, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		check = make([]byte, 16)
		ones := make([]byte, 16)
		for i := range ones {
			ones[i] = 0x01
		}
		kb.Encrypt(check, ones)
	default:
		return nil, errors.Errorf("unsupported key type %02X", keyType)
	}
	if err := compare("KCV", check[:len(kcv)], kcv); err != nil {
		return nil, err
	}
	return key, nil
}

func des3CBCDecrypt(key, data []byte) ([]byte, error) {
	block, err := des.NewTripleDESCipher(des3Key(key))
	if err != nil {
		return nil, err
	}
	if len(data)%8 != 0 {
		return nil, errors.New("ciphertext is not block aligned")
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, make([]byte, 8)).CryptBlocks(out, data)
	return out, nil
}

func des3Key(k []byte) []byte {
	if len(k) == 16 {
		return concat(k, k[:8])
	}
	return k
}

func compare(what string, want, got []byte) error {
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return fmt.Errorf("%s mismatch: got %X, want %X", what, got, want)
	}
	return nil
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func hexString(b []byte) string {
	return fmt.Sprintf("%X", b)
}
