package gp

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// authenticatedSCP02 returns an SCP02 session at level with the
// authentication exchange already cleared from card.sent.
func authenticatedSCP02(t *testing.T, card *scriptedCard, level SecurityLevel) Session {
	t.Helper()
	s, err := NewSCP02Session(card, scp02Config(t, 0x05))
	require.NoError(t, err)
	require.NoError(t, s.SetSecurityLevel(level))
	require.NoError(t, s.ExternalAuthenticate())
	card.sent = nil
	return s
}

// clearData returns the data field of a sent short APDU without its MAC and
// Le, decrypted with enc when C-DEC is on.
func clearData(t *testing.T, raw []byte, hasLe bool, enc *SymmetricKey) []byte {
	t.Helper()
	lc := int(raw[4])
	want := 5 + lc
	if hasLe {
		want++
	}
	require.Len(t, raw, want)
	data := raw[5 : 5+lc-8]
	if enc == nil {
		return data
	}
	plain, err := cbcDecrypt(enc.Block(), nil, data)
	require.NoError(t, err)
	out, err := Unpad80(plain)
	require.NoError(t, err)
	return out
}

func TestLoadFileBlockSizes(t *testing.T) {
	const blockSize = 0x80
	tests := []struct {
		level SecurityLevel
		chunk int
	}{
		{LevelCMAC, blockSize - 8},
		{LevelCMACCDEC, blockSize - 0x10},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			card := &scriptedCard{}
			s := authenticatedSCP02(t, card, tt.level)
			var enc *SymmetricKey
			if tt.level.CDEC() {
				enc = testKey(t, DES3, UsageDecrypt, "enc", "25C9794A1205FF244F5FA0378D2F8D59")
			}

			data := make([]byte, 3*tt.chunk+5)
			for i := range data {
				data[i] = byte(i)
			}
			require.NoError(t, NewToken(s).LoadFile(data, blockSize))
			require.Len(t, card.sent, 4)

			var loaded []byte
			for i, raw := range card.sent {
				last := i == len(card.sent)-1
				assert.Equal(t, byte(insLoad), raw[1])
				assert.Equal(t, last, raw[2] == loadLastBlock, "block %d P1", i)
				assert.Equal(t, byte(i), raw[3], "block number in P2")
				assert.LessOrEqual(t, int(raw[4]), blockSize, "block %d exceeds the card block size", i)

				block := clearData(t, raw, false, enc)
				if last {
					assert.Len(t, block, 5)
				} else {
					assert.Len(t, block, tt.chunk, "block %d", i)
				}
				loaded = append(loaded, block...)
			}
			assert.Equal(t, data, loaded)
		})
	}
}

func TestWriteObjectChunks(t *testing.T) {
	card := &scriptedCard{}
	s := authenticatedSCP02(t, card, LevelCMAC)

	data := make([]byte, 2*ObjectChunkSize+0x10)
	for i := range data {
		data[i] = byte(i * 7)
	}
	require.NoError(t, NewToken(s).WriteObject(0x0100, data))
	require.Len(t, card.sent, 3)

	sizes := []int{ObjectChunkSize, ObjectChunkSize, 0x10}
	var written []byte
	for i, raw := range card.sent {
		assert.Equal(t, byte(insWriteObject), raw[1])
		body := clearData(t, raw, false, nil)
		require.Len(t, body, 9+sizes[i], "chunk %d", i)
		assert.Equal(t, uint32(0x0100), binary.BigEndian.Uint32(body[0:4]))
		assert.Equal(t, uint32(i*ObjectChunkSize), binary.BigEndian.Uint32(body[4:8]), "chunk %d offset", i)
		assert.Equal(t, byte(sizes[i]), body[8])
		written = append(written, body[9:]...)
	}
	assert.Equal(t, data, written)
}

func TestReadObjectChunks(t *testing.T) {
	card := &scriptedCard{}
	s := authenticatedSCP02(t, card, LevelCMAC)

	const offset = 0x20
	sizes := []int{ObjectChunkSize, ObjectChunkSize, 3}
	var want []byte
	for i, n := range sizes {
		chunk := make([]byte, n)
		for j := range chunk {
			chunk[j] = byte(i + j)
		}
		want = append(want, chunk...)
		card.responses = append(card.responses, append(chunk, 0x90, 0x00))
	}

	got, err := NewToken(s).ReadObject(0x0200, offset, uint32(len(want)))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	require.Len(t, card.sent, 3)

	for i, raw := range card.sent {
		assert.Equal(t, byte(insReadObject), raw[1])
		body := clearData(t, raw, true, nil)
		require.Len(t, body, 9)
		assert.Equal(t, uint32(0x0200), binary.BigEndian.Uint32(body[0:4]))
		assert.Equal(t, uint32(offset+i*ObjectChunkSize), binary.BigEndian.Uint32(body[4:8]), "chunk %d offset", i)
		assert.Equal(t, byte(sizes[i]), body[8])
		assert.Equal(t, byte(sizes[i]), raw[len(raw)-1], "chunk %d Le", i)
	}
}

func TestReadObjectHugeLengthStopsAtCardError(t *testing.T) {
	card := &scriptedCard{}
	s := authenticatedSCP02(t, card, LevelCMAC)

	card.responses = [][]byte{{0x6A, 0x88}}
	_, err := NewToken(s).ReadObject(0x0200, 0, math.MaxUint32)
	require.Error(t, err)
	assert.Equal(t, uint16(SWReferencedNotFound), KindOfSW(err))
	assert.Len(t, card.sent, 1)
}
