// Package codes defines the canonical activation and invite code formats.
package codes

import (
	"crypto/rand"
	"errors"
	"math/big"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// InviteAlphabet omits 0/O, 1/I/L so codes survive being read aloud.
const InviteAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	blockSize        = 4
	activationLength = 16
	inviteLength     = 12
)

var activationPattern = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// ErrMalformed is returned by NormalizeActivation for input that is not XXXX-XXXX-XXXX-XXXX.
var ErrMalformed = errors.New("malformed code")

// NormalizeActivation trims and uppercases raw and checks it against the
// canonical activation format.
func NormalizeActivation(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if !activationPattern.MatchString(code) {
		return "", ErrMalformed
	}
	return code, nil
}

// InviteKey is the lookup key for an invite code: uppercase with dashes and
// whitespace removed.
func InviteKey(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		switch r {
		case '-', ' ', '\t', '\n', '\r':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Mask keeps the first block of a code for logging.
func Mask(code string) string {
	if len(code) <= blockSize {
		return code
	}
	return code[:blockSize] + "-****"
}

// NewActivation returns a fresh 16-character code grouped in blocks of four.
// The characters come from a random UUID, uppercased.
func NewActivation() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return group(raw[:activationLength])
}

// NewInvite returns a fresh 12-character invite code over InviteAlphabet.
func NewInvite() (string, error) {
	max := big.NewInt(int64(len(InviteAlphabet)))
	buf := make([]byte, inviteLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = InviteAlphabet[n.Int64()]
	}
	return group(string(buf)), nil
}

func group(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && i%blockSize == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}
