package issuers

import (
	jmes "github.com/jmespath/go-jmespath"
)

// Mapper applies an issuer's claim-mapping table to the verified claims
// of an upstream ID token. Each mapping is a JMESPath expression; results
// that evaluate to nothing are simply omitted.
type Mapper struct {
	mappings map[string]string
}

func NewMapper(mappings map[string]string) *Mapper {
	return &Mapper{mappings: mappings}
}

// Apply produces the local claims payload. The subject claim always
// survives: when no mapping rewrites "sub", the upstream value is copied
// through, because the login result needs an account identifier.
func (m *Mapper) Apply(claims map[string]any) map[string]any {
	out := map[string]any{}
	for name, expr := range m.mappings {
		v, err := jmes.Search(expr, map[string]any(claims))
		if err != nil || v == nil {
			continue
		}
		out[name] = v
	}
	if _, ok := out["sub"]; !ok {
		if sub, ok := claims["sub"]; ok {
			out["sub"] = sub
		}
	}
	return out
}

// Subject extracts the account identifier from a mapped claims payload.
func Subject(claims map[string]any) string {
	if s, ok := claims["sub"].(string); ok {
		return s
	}
	return ""
}
