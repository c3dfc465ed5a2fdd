package qr

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"ticket-ledger/internal/models"

	"github.com/skip2/go-qrcode"
)

var ErrInvalidPayload = errors.New("invalid QR payload")

type QRGenerator struct {
	secret []byte
}

func NewQRGenerator(secret string) *QRGenerator {
	hashed := sha256.Sum256([]byte(secret)) // normalize to 32 bytes
	return &QRGenerator{secret: hashed[:]}
}

// Seal encrypts the ticket into the URL-safe token printed in the QR code.
func (q *QRGenerator) Seal(ticket models.Ticket) (string, error) {
	data, err := json.Marshal(ticket)
	if err != nil {
		return "", err
	}
	return encryptAES(data, q.secret)
}

// GenerateEncryptedQR renders the sealed ticket as a PNG of size pixels.
func (q *QRGenerator) GenerateEncryptedQR(ticket models.Ticket, size int) ([]byte, error) {
	token, err := q.Seal(ticket)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(token, qrcode.Medium, size)
}

// Open reverses Seal. Tokens sealed under another secret or altered in any
// way fail with ErrInvalidPayload.
func (q *QRGenerator) Open(token string) (models.Ticket, error) {
	data, err := decryptAES(token, q.secret)
	if err != nil {
		return models.Ticket{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var ticket models.Ticket
	if err := json.Unmarshal(data, &ticket); err != nil {
		return models.Ticket{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return ticket, nil
}

func encryptAES(data []byte, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, data, nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

func decryptAES(token string, key []byte) ([]byte, error) {
	sealed, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("token too short")
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
