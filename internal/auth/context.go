package auth

import "context"

type contextKey string

const authContextKey contextKey = "berl_auth"

// AuthInfo holds authenticated identity information extracted from an API key.
type AuthInfo struct {
	KeyID                string
	OwnerID              string
	Name                 string
	AllowedCategories    []string
	RPMLimit             *int
	DailySpendLimitCents *int
}

// AllowsCategory reports whether the authenticated key may dispatch the
// given task category. An empty allow-list permits every category.
func (a *AuthInfo) AllowsCategory(category string) bool {
	if len(a.AllowedCategories) == 0 {
		return true
	}
	for _, c := range a.AllowedCategories {
		if c == category {
			return true
		}
	}
	return false
}

func ContextWithAuth(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authContextKey, info)
}

func AuthFromContext(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authContextKey).(*AuthInfo)
	return info, ok
}
