package keyvault

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"refwallet.com/internal/custody/domain"
)

// 密文格式: salt(32) | memory(4) | iterations(4) | parallelism(1) | nonce(24) | ciphertext
const (
	saltLen   = 32
	headerLen = saltLen + 4 + 4 + 1
	keyLen    = chacha20poly1305.KeySize
)

var ErrMalformedBox = errors.New("keyvault: malformed sealed box")

type KDFParams struct {
	Memory      uint32 `mapstructure:"memory"` // KiB
	Iterations  uint32 `mapstructure:"iterations"`
	Parallelism uint8  `mapstructure:"parallelism"`
}

func DefaultKDFParams() KDFParams {
	return KDFParams{Memory: 64 * 1024, Iterations: 3, Parallelism: 4}
}

// Seal argon2id 派生密钥 + XChaCha20-Poly1305 加密
func Seal(plaintext, passphrase []byte, p KDFParams) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("keyvault: empty passphrase")
	}
	if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		p = DefaultKDFParams()
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := argon2.IDKey(passphrase, salt, p.Iterations, p.Memory, p.Parallelism, keyLen)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, headerLen, headerLen+len(nonce)+len(plaintext)+aead.Overhead())
	copy(out, salt)
	binary.BigEndian.PutUint32(out[saltLen:], p.Memory)
	binary.BigEndian.PutUint32(out[saltLen+4:], p.Iterations)
	out[saltLen+8] = p.Parallelism
	out = append(out, nonce...)
	// header 作为附加数据，防止篡改 KDF 参数
	return aead.Seal(out, nonce, plaintext, out[:headerLen]), nil
}

// Open 认证失败一律视为口令错误，不做任何兜底
func Open(box, passphrase []byte) ([]byte, error) {
	nonceLen := chacha20poly1305.NonceSizeX
	if len(box) < headerLen+nonceLen+chacha20poly1305.Overhead {
		return nil, ErrMalformedBox
	}
	salt := box[:saltLen]
	memory := binary.BigEndian.Uint32(box[saltLen:])
	iterations := binary.BigEndian.Uint32(box[saltLen+4:])
	parallelism := box[saltLen+8]
	if memory == 0 || iterations == 0 || parallelism == 0 || memory > 4*1024*1024 || iterations > 64 {
		return nil, ErrMalformedBox
	}

	key := argon2.IDKey(passphrase, salt, iterations, memory, parallelism, keyLen)
	defer zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := box[headerLen : headerLen+nonceLen]
	plain, err := aead.Open(nil, nonce, box[headerLen+nonceLen:], box[:headerLen])
	if err != nil {
		return nil, fmt.Errorf("open sealed seed: %w", domain.ErrBadPassphrase)
	}
	return plain, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
