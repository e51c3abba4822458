package miio

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5" //nolint:gosec // the protocol mandates MD5
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// Port is the UDP port miio devices listen on.
	Port = 54321

	magic      = 0x2131
	headerSize = 32
	tokenSize  = 16
)

// header is the fixed 32-byte packet header.
type header struct {
	Length   uint16
	DeviceID uint32
	Stamp    uint32
	Checksum [16]byte
}

// ParseToken decodes a 32-character hex token.
func ParseToken(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) != 2*tokenSize {
		return nil, ErrInvalidToken
	}
	token, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return token, nil
}

// helloPacket is sent to discover the device id and stamp.
func helloPacket() []byte {
	p := bytes.Repeat([]byte{0xff}, headerSize)
	binary.BigEndian.PutUint16(p[0:], magic)
	binary.BigEndian.PutUint16(p[2:], headerSize)
	return p
}

func parseHeader(raw []byte) (header, error) {
	if len(raw) < headerSize {
		return header{}, fmt.Errorf("%w: %d bytes is shorter than a header", ErrBadPacket, len(raw))
	}
	if binary.BigEndian.Uint16(raw[0:]) != magic {
		return header{}, fmt.Errorf("%w: bad magic", ErrBadPacket)
	}
	h := header{
		Length:   binary.BigEndian.Uint16(raw[2:]),
		DeviceID: binary.BigEndian.Uint32(raw[8:]),
		Stamp:    binary.BigEndian.Uint32(raw[12:]),
	}
	copy(h.Checksum[:], raw[16:32])
	if int(h.Length) != len(raw) {
		return header{}, fmt.Errorf("%w: length field %d, got %d bytes", ErrBadPacket, h.Length, len(raw))
	}
	return h, nil
}

// codec encrypts and signs packets for one token.
type codec struct {
	token []byte
	iv    []byte
	block cipher.Block
}

func newCodec(token []byte) (*codec, error) {
	if len(token) != tokenSize {
		return nil, ErrInvalidToken
	}
	key := md5.Sum(token) //nolint:gosec // protocol
	iv := md5.Sum(append(key[:], token...)) //nolint:gosec // protocol
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return &codec{token: append([]byte(nil), token...), iv: iv[:], block: block}, nil
}

func (c *codec) encrypt(plain []byte) []byte {
	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, padded)
	return out
}

func (c *codec) decrypt(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrBadPacket, len(data))
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(out, data)
	return pkcs7Unpad(out)
}

// encode builds a complete packet carrying payload.
func (c *codec) encode(deviceID, stamp uint32, payload []byte) []byte {
	encrypted := c.encrypt(payload)
	p := make([]byte, headerSize+len(encrypted))
	binary.BigEndian.PutUint16(p[0:], magic)
	binary.BigEndian.PutUint16(p[2:], uint16(len(p))) //nolint:gosec // bounded by UDP datagram size
	binary.BigEndian.PutUint32(p[8:], deviceID)
	binary.BigEndian.PutUint32(p[12:], stamp)
	copy(p[headerSize:], encrypted)

	sum := c.checksum(p)
	copy(p[16:32], sum[:])
	return p
}

// decode verifies a packet and returns its header and decrypted payload.
func (c *codec) decode(raw []byte) (header, []byte, error) {
	h, err := parseHeader(raw)
	if err != nil {
		return header{}, nil, err
	}
	if len(raw) == headerSize {
		return h, nil, nil
	}
	if sum := c.checksum(raw); !bytes.Equal(sum[:], h.Checksum[:]) {
		return header{}, nil, fmt.Errorf("%w: checksum mismatch", ErrBadPacket)
	}
	payload, err := c.decrypt(raw[headerSize:])
	if err != nil {
		return header{}, nil, err
	}
	return h, bytes.TrimRight(payload, "\x00"), nil
}

// checksum is MD5 over the first half of the header, the token and the
// encrypted body.
func (c *codec) checksum(p []byte) [16]byte {
	h := md5.New() //nolint:gosec // protocol
	h.Write(p[:16])
	h.Write(c.token)
	h.Write(p[headerSize:])
	var sum [16]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrBadPacket)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrBadPacket)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrBadPacket)
		}
	}
	return data[:len(data)-n], nil
}
