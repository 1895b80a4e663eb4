package rls

import (
	"errors"
	"strings"
)

// Mode selects the failure policy for context-enforcement anomalies.
type Mode string

const (
	// ModeStrict fails closed: missing tenant ids, role switch failures and
	// reset failures abort the operation.
	ModeStrict Mode = "strict"
	// ModeLenient logs each distinct anomaly once and proceeds without the
	// missing protection. Local development only.
	ModeLenient Mode = "lenient"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeStrict:
		return ModeStrict, nil
	case ModeLenient:
		return ModeLenient, nil
	default:
		return "", errors.New("rls: invalid mode (expected strict|lenient)")
	}
}

var lenientEnvs = map[string]struct{}{
	"development": {},
	"dev":         {},
	"local":       {},
	"test":        {},
}

// ResolveMode derives the enforcement mode once at startup.
//
// An explicit mode wins. Without one, only a recognized development
// environment selects lenient; empty or unrecognized environment names select
// strict. Explicit lenient in production additionally requires
// unsafeAllowLenient.
func ResolveMode(explicit string, env string, unsafeAllowLenient bool) (Mode, error) {
	env = strings.ToLower(strings.TrimSpace(env))

	if strings.TrimSpace(explicit) != "" {
		m, err := ParseMode(explicit)
		if err != nil {
			return "", err
		}
		if m == ModeLenient && isProductionEnv(env) && !unsafeAllowLenient {
			return "", errors.New("rls: lenient mode in production requires TENANT_GUARD_UNSAFE_ALLOW_LENIENT=1")
		}
		return m, nil
	}

	if _, ok := lenientEnvs[env]; ok {
		return ModeLenient, nil
	}
	return ModeStrict, nil
}

func isProductionEnv(env string) bool {
	switch env {
	case "production", "prod":
		return true
	default:
		return false
	}
}
