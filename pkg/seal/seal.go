// Package seal implements the encrypted-at-rest blob format shared by the
// quarantine store and the immunity vault. A sealed blob carries a plaintext
// JSON header (so stores can be listed without the password) followed by the
// AES-CTR encrypted payload, keyed by PBKDF2 from the store password.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeyIterations is the PBKDF2 round count.
	KeyIterations = 4096

	saltSize      = 32
	maxHeaderSize = 1 << 20
)

var (
	magic = [4]byte{'S', 'X', 'S', '1'}

	ErrBadMagic  = errors.New("not a sealed blob")
	ErrBadHeader = errors.New("sealed blob header corrupt")
)

// Header describes the sealed payload. It is stored in clear.
type Header struct {
	Path     string    `json:"path"`
	SHA256   string    `json:"sha256"`
	Size     int64     `json:"size"`
	Mode     uint32    `json:"mode"`
	ModTime  time.Time `json:"mod-time"`
	Reason   string    `json:"reason,omitempty"`
	SealedAt time.Time `json:"sealed-at"`
}

// Seal writes header and the encrypted content of in to out.
func Seal(password string, header Header, in io.Reader, out io.Writer) (err error) {
	if header.SealedAt.IsZero() {
		header.SealedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(&header)
	if err != nil {
		return
	}
	if _, err = out.Write(magic[:]); err != nil {
		return
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
	if _, err = out.Write(lenBuf[:]); err != nil {
		return
	}
	if _, err = out.Write(raw); err != nil {
		return
	}

	salt := make([]byte, saltSize)
	if _, err = rand.Read(salt); err != nil {
		return
	}
	iv := make([]byte, aes.BlockSize)
	if _, err = rand.Read(iv); err != nil {
		return
	}
	if _, err = out.Write(salt); err != nil {
		return
	}
	if _, err = out.Write(iv); err != nil {
		return
	}

	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return
	}
	_, err = io.Copy(&cipher.StreamWriter{S: cipher.NewCTR(block, iv), W: out}, in)
	return
}

// ReadHeader decodes the clear header, leaving in positioned at the start of
// the encrypted payload.
func ReadHeader(in io.Reader) (header Header, err error) {
	var m [4]byte
	if _, err = io.ReadFull(in, m[:]); err != nil {
		err = fmt.Errorf("%w: %w", ErrBadMagic, err)
		return
	}
	if m != magic {
		err = ErrBadMagic
		return
	}
	var lenBuf [4]byte
	if _, err = io.ReadFull(in, lenBuf[:]); err != nil {
		err = fmt.Errorf("%w: %w", ErrBadHeader, err)
		return
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size == 0 || size > maxHeaderSize {
		err = ErrBadHeader
		return
	}
	raw := make([]byte, size)
	if _, err = io.ReadFull(in, raw); err != nil {
		err = fmt.Errorf("%w: %w", ErrBadHeader, err)
		return
	}
	if err = json.Unmarshal(raw, &header); err != nil {
		err = fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	return
}

// Unseal reads a sealed blob and writes the decrypted payload to out.
func Unseal(password string, in io.Reader, out io.Writer) (header Header, err error) {
	header, err = ReadHeader(in)
	if err != nil {
		return
	}
	salt := make([]byte, saltSize)
	if _, err = io.ReadFull(in, salt); err != nil {
		return
	}
	iv := make([]byte, aes.BlockSize)
	if _, err = io.ReadFull(in, iv); err != nil {
		return
	}
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return
	}
	_, err = io.Copy(out, &cipher.StreamReader{S: cipher.NewCTR(block, iv), R: in})
	return
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, KeyIterations, aes.BlockSize, sha256.New)
}
