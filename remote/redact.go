package remote

import (
	"sort"
	"strings"
)

// Redacted replaces secret values in logs.
const Redacted = "***"

// Redactor masks a fixed set of secret values in text.
type Redactor struct {
	replacer *strings.Replacer
}

// NewRedactor masks every non-empty value. Longer values are masked first
// so a secret containing another is not left half visible.
func NewRedactor(values ...string) *Redactor {
	secrets := make([]string, 0, len(values))
	for _, value := range values {
		if value != "" {
			secrets = append(secrets, value)
		}
	}
	if len(secrets) == 0 {
		return &Redactor{}
	}
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })

	pairs := make([]string, 0, 2*len(secrets))
	for _, secret := range secrets {
		pairs = append(pairs, secret, Redacted)
	}
	return &Redactor{replacer: strings.NewReplacer(pairs...)}
}

// Redact returns s with every secret masked. A nil Redactor is a no-op.
func (r *Redactor) Redact(s string) string {
	if r == nil || r.replacer == nil {
		return s
	}
	return r.replacer.Replace(s)
}
