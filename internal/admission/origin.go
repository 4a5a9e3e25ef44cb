package admission

import (
	"github.com/nullspace-games/casino-gateway/internal/gwerrors"
)

// OriginPolicy gates the WebSocket handshake on the Origin header. Allowed
// origins match byte-exactly: scheme, host, optional port, no trailing
// slash, case-sensitive. An empty allowlist admits every origin, which
// config validation restricts to non-production environments.
type OriginPolicy struct {
	allowed       map[string]struct{}
	allowNoOrigin bool
}

func NewOriginPolicy(allowed []string, allowNoOrigin bool) *OriginPolicy {
	p := &OriginPolicy{allowNoOrigin: allowNoOrigin}
	if len(allowed) > 0 {
		p.allowed = make(map[string]struct{}, len(allowed))
		for _, o := range allowed {
			p.allowed[o] = struct{}{}
		}
	}
	return p
}

// Check validates a handshake origin. The literal "null" (sandboxed iframes,
// file:// pages) is treated as missing.
func (p *OriginPolicy) Check(origin string) error {
	if p.allowed == nil {
		return nil
	}
	if origin == "" || origin == "null" {
		if p.allowNoOrigin {
			return nil
		}
		return gwerrors.New(gwerrors.CodeOriginRequired, "origin header required")
	}
	if _, ok := p.allowed[origin]; !ok {
		return gwerrors.Newf(gwerrors.CodeOriginNotAllowed, "origin %q not allowed", origin)
	}
	return nil
}
