package linking

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"math/big"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

var errCodeSpaceExhausted = goerrors.New("no free code after retries", goerrors.CategoryInternal)

var pairingEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// CodeGenerator produces the secrets handed to devices.
type CodeGenerator interface {
	PairingCode() (string, error)
	QRToken() (string, error)
	ShortCode() (string, error)
}

type randomCodes struct {
	pairingBytes int
	tokenBytes   int
	digits       int
}

// NewCodeGenerator returns a crypto/rand backed generator sized from cfg.
func NewCodeGenerator(cfg Config) CodeGenerator {
	cfg = cfg.WithDefaults()
	return randomCodes{
		pairingBytes: cfg.PairingCodeBytes,
		tokenBytes:   cfg.QRTokenBytes,
		digits:       cfg.ShortCodeDigits,
	}
}

// PairingCode is base32 so it can be read aloud or typed.
func (g randomCodes) PairingCode() (string, error) {
	b := make([]byte, g.pairingBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return pairingEncoding.EncodeToString(b), nil
}

func (g randomCodes) QRToken() (string, error) {
	b := make([]byte, g.tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ShortCode is a zero padded decimal code with the configured digits.
func (g randomCodes) ShortCode() (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(g.digits)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	s := n.String()
	if pad := g.digits - len(s); pad > 0 {
		s = strings.Repeat("0", pad) + s
	}
	return s, nil
}

// NormalizePairingCode upper cases and strips separators users tend to type.
func NormalizePairingCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}
