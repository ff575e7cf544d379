package interaction

import (
	"context"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// ConsentPolicy gates which resource scopes a consent confirmation may
// grant. The rego module comes from the issuer's configuration; an empty
// module allows everything.
type ConsentPolicy struct {
	module string
	log    *zap.SugaredLogger
}

func NewConsentPolicy(module string, log *zap.SugaredLogger) *ConsentPolicy {
	return &ConsentPolicy{module: module, log: log}
}

// FilterResourceScopes evaluates `data.consent.allow` per (resource,
// scope) pair and drops denied scopes. Evaluation errors fail closed:
// the pair is dropped and logged, never granted.
func (p *ConsentPolicy) FilterResourceScopes(ctx context.Context, accountID, clientID string, requested map[string][]string) map[string][]string {
	if p == nil || p.module == "" || len(requested) == 0 {
		return requested
	}
	out := map[string][]string{}
	for resource, scopes := range requested {
		var kept []string
		for _, scope := range scopes {
			r := rego.New(
				rego.Query("data.consent.allow"),
				rego.Module("consent.rego", p.module),
				rego.Input(map[string]any{
					"account_id": accountID,
					"client_id":  clientID,
					"resource":   resource,
					"scope":      scope,
				}),
			)
			rs, err := r.Eval(ctx)
			if err != nil || len(rs) == 0 || len(rs[0].Expressions) == 0 {
				p.log.Warnw("consent policy evaluation failed", "resource", resource, "scope", scope, "err", err)
				continue
			}
			if allowed, ok := rs[0].Expressions[0].Value.(bool); ok && allowed {
				kept = append(kept, scope)
			}
		}
		if len(kept) > 0 {
			out[resource] = kept
		}
	}
	return out
}
