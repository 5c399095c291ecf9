package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"hash/crc32"
)

// SessionKeySize is the AES-128 session key length.
const SessionKeySize = 16

// DatagramCipher encrypts whole datagrams with AES-128-CBC.
//
// Layout: IV(16) || CBC(crc32(data) || data || PKCS#7 padding). The output
// length is always a multiple of the block size, which the peer layer relies
// on to notice that a remote system has switched encryption on.
type DatagramCipher struct {
	block cipher.Block
}

// NewDatagramCipher creates a cipher for a 16 byte key.
func NewDatagramCipher(key [SessionKeySize]byte) (*DatagramCipher, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, ErrInvalidKey
	}
	return &DatagramCipher{block: block}, nil
}

// Overhead is the worst-case number of bytes Encrypt adds.
func (c *DatagramCipher) Overhead() int {
	return aes.BlockSize + 4 + aes.BlockSize
}

// Encrypt seals data into a new buffer.
func (c *DatagramCipher) Encrypt(data []byte) ([]byte, error) {
	bodyLen := 4 + len(data)
	pad := aes.BlockSize - bodyLen%aes.BlockSize
	out := make([]byte, aes.BlockSize+bodyLen+pad)

	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, ErrEncryptionFailed
	}

	body := out[aes.BlockSize:]
	binary.BigEndian.PutUint32(body[0:4], crc32.ChecksumIEEE(data))
	copy(body[4:], data)
	for i := bodyLen; i < len(body); i++ {
		body[i] = byte(pad)
	}

	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(body, body)
	return out, nil
}

// Decrypt opens a datagram produced by Encrypt. Any tampering, truncation or
// wrong key yields ErrDecryptionFailed.
func (c *DatagramCipher) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < 2*aes.BlockSize || len(sealed)%aes.BlockSize != 0 {
		return nil, ErrDecryptionFailed
	}

	body := make([]byte, len(sealed)-aes.BlockSize)
	cipher.NewCBCDecrypter(c.block, sealed[:aes.BlockSize]).CryptBlocks(body, sealed[aes.BlockSize:])

	pad := int(body[len(body)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(body)-4 {
		return nil, ErrDecryptionFailed
	}
	for _, b := range body[len(body)-pad:] {
		if int(b) != pad {
			return nil, ErrDecryptionFailed
		}
	}

	data := body[4 : len(body)-pad]
	if crc32.ChecksumIEEE(data) != binary.BigEndian.Uint32(body[0:4]) {
		return nil, ErrDecryptionFailed
	}
	return data, nil
}
