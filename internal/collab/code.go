package collab

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// codeAlphabet omits 0/O/1/I/L to keep codes readable over the shoulder.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const codeLength = 6

// CodeGenerator issues session join codes.
type CodeGenerator interface {
	NewCode() (string, error)
}

type randomCodeGenerator struct{}

// NewRandomCodeGenerator constructs the production code generator.
func NewRandomCodeGenerator() CodeGenerator {
	return &randomCodeGenerator{}
}

func (g *randomCodeGenerator) NewCode() (string, error) {
	raw := make([]byte, codeLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("collab: code generation failed: %w", err)
	}
	var builder strings.Builder
	for _, b := range raw {
		builder.WriteByte(codeAlphabet[int(b)%len(codeAlphabet)])
	}
	return builder.String(), nil
}

// NormalizeCode canonicalizes user-typed join codes.
func NormalizeCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
