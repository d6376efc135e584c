package token

import (
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
	qrcode "github.com/skip2/go-qrcode"
)

// 32 bytes of entropy -> 43 URL-safe chars. The token is the sole
// credential of the driver flow, so it comes from crypto/rand only.
const tokenBytes = 32

type Issuer struct {
	consentBaseURL string
}

func NewIssuer(consentBaseURL string) *Issuer {
	return &Issuer{consentBaseURL: strings.TrimRight(consentBaseURL, "/")}
}

func (i *Issuer) Mint() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "read random")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ConsentURL builds the URL the driver opens. Routing is owned by the
// upstream web app; we only append the token to its base.
func (i *Issuer) ConsentURL(tok string) string {
	return i.consentBaseURL + "/" + tok
}

// QRPNG renders the consent URL as a scannable PNG, medium error
// correction is enough for print and phone-camera scans.
func (i *Issuer) QRPNG(tok string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(i.ConsentURL(tok), qrcode.Medium, size)
	if err != nil {
		return nil, errors.Wrap(err, "encode qr")
	}
	return png, nil
}
