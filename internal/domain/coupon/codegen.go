package coupon

import (
	"context"
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/go-faster/errors"
)

// codeAlphabet is the character set for generated code suffixes.
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// maxGenerateAttempts bounds collision retries. Regeneration on collision is
// a loop, never recursion, so a pathological code space cannot blow the
// stack; past the budget the generator reports ErrCodeGenerationExhausted.
const maxGenerateAttempts = 5

// DefaultCodeLength is the suffix length used when the caller passes zero.
const DefaultCodeLength = 8

// CodeGenerator produces unique human-readable redemption codes.
type CodeGenerator struct {
	coupons Repository
	// randIndex returns a uniform index in [0, n). Overridable in tests.
	randIndex func(n int) (int, error)
}

// NewCodeGenerator creates a CodeGenerator that checks uniqueness against
// the given repository.
func NewCodeGenerator(coupons Repository) *CodeGenerator {
	return &CodeGenerator{coupons: coupons, randIndex: cryptoRandIndex}
}

// Generate returns prefix followed by length random characters from [A-Z0-9],
// guaranteed not to collide (case-insensitively) with any stored code. The
// combined code must fit the 4-20 character bounds.
func (g *CodeGenerator) Generate(ctx context.Context, prefix string, length int) (string, error) {
	if length <= 0 {
		length = DefaultCodeLength
	}
	prefix = strings.ToUpper(strings.TrimSpace(prefix))

	if total := len(prefix) + length; total < MinCodeLength || total > MaxCodeLength {
		return "", errors.Errorf("generated code length %d outside [%d, %d]", total, MinCodeLength, MaxCodeLength)
	}

	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		code, err := g.randomCode(prefix, length)
		if err != nil {
			return "", errors.Wrap(err, "generate code")
		}

		_, err = g.coupons.FindByCode(ctx, code)
		switch {
		case errors.Is(err, ErrNotFound):
			return code, nil
		case err != nil:
			return "", errors.Wrap(err, "check code uniqueness")
		}
		// Collision: try again.
	}

	return "", ErrCodeGenerationExhausted
}

func (g *CodeGenerator) randomCode(prefix string, length int) (string, error) {
	var b strings.Builder
	b.Grow(len(prefix) + length)
	b.WriteString(prefix)
	for range length {
		i, err := g.randIndex(len(codeAlphabet))
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[i])
	}
	return b.String(), nil
}

func cryptoRandIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
