package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	apperrors "github.com/kyeliu99/PFlow/pkg/util/errorutil"
)

const claimsKey = "callback_claims"

// CallbackMiddleware authenticates engine callbacks with bearer tokens.
type CallbackMiddleware struct {
	tokens *TokenManager
}

// NewCallbackMiddleware constructs middleware. A nil manager lets every
// request through, for deployments where the callback route is not exposed.
func NewCallbackMiddleware(tokens *TokenManager) *CallbackMiddleware {
	return &CallbackMiddleware{tokens: tokens}
}

// Handle enforces authentication for callback routes.
func (m *CallbackMiddleware) Handle(c *fiber.Ctx) error {
	if m == nil || m.tokens == nil {
		return c.Next()
	}

	authHeader := c.Get(fiber.HeaderAuthorization)
	if authHeader == "" {
		return apperrors.NewUnauthorized("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return apperrors.NewUnauthorized("invalid authorization header")
	}

	claims, err := m.tokens.ParseToken(parts[1])
	if err != nil {
		return apperrors.NewUnauthorized("invalid token")
	}

	c.Locals(claimsKey, claims)
	return c.Next()
}

// ClaimsFromContext retrieves the verified callback claims.
func ClaimsFromContext(c *fiber.Ctx) (*Claims, bool) {
	val := c.Locals(claimsKey)
	if val == nil {
		return nil, false
	}
	claims, ok := val.(*Claims)
	return claims, ok
}
