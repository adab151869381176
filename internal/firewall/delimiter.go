package firewall

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Delimiter mints and validates per-message random tags of the form
// GRAPHCTX_<nonce>_<hmac> used to fence untrusted context inside prompts.
// The HMAC is computed over the nonce with a process-wide secret, so a tag
// embedded in attacker-controlled content never validates.
type Delimiter struct {
	secret []byte
}

// NewDelimiter creates a delimiter minter. An empty secret generates a
// random process-wide one, which is the common case: tags only need to be
// verifiable by the instance that minted them.
func NewDelimiter(secret []byte) (*Delimiter, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate delimiter secret: %w", err)
		}
	}
	return &Delimiter{secret: secret}, nil
}

// Mint produces a fresh random tag.
func (d *Delimiter) Mint() (string, error) {
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate delimiter nonce: %w", err)
	}
	n := hex.EncodeToString(nonce)
	return fmt.Sprintf("GRAPHCTX_%s_%s", n, d.sign(n)), nil
}

// Validate verifies a tag was minted by this instance. It fails closed:
// malformed tags and tags signed with another secret are rejected.
func (d *Delimiter) Validate(tag string) bool {
	parts := strings.Split(tag, "_")
	if len(parts) != 3 || parts[0] != "GRAPHCTX" {
		return false
	}
	expected := d.sign(parts[1])
	return hmac.Equal([]byte(expected), []byte(parts[2]))
}

func (d *Delimiter) sign(nonce string) string {
	mac := hmac.New(sha256.New, d.secret)
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}
