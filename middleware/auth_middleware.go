package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"marketplace/backend/logger"
	"marketplace/backend/models"
)

// IdentityKey is the fiber Locals key holding the authenticated models.Identity.
const IdentityKey = "identity"

// identityClaims are the claims issued by the identity provider.
type identityClaims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	TaxID  string `json:"tax_id"`
	jwt.RegisteredClaims
}

func unauthorized(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"status":  "error",
		"message": message,
	})
}

// Protected is a middleware function to protect routes that require authentication.
// It verifies the HS256 bearer token and stores the payer identity, raw token
// included, in Locals.
func Protected(secret string, logg *logger.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Copied: the token outlives the request inside polling sessions.
		authHeader := utils.CopyString(c.Get(fiber.HeaderAuthorization))
		if authHeader == "" {
			return unauthorized(c, "Unauthorized: Missing authorization token")
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return unauthorized(c, "Unauthorized: Invalid token format")
		}
		tokenString := parts[1]

		claims := &identityClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil {
			logg.Debug(c.UserContext(), "rejected bearer token: "+err.Error())
			if errors.Is(err, jwt.ErrTokenExpired) {
				return unauthorized(c, "Unauthorized: Token has expired")
			}
			return unauthorized(c, "Unauthorized: Invalid token")
		}
		if !token.Valid {
			return unauthorized(c, "Unauthorized: Invalid token")
		}

		userID, err := uuid.Parse(claims.UserID)
		if err != nil {
			return unauthorized(c, "Unauthorized: Invalid token claims (invalid user_id format)")
		}

		c.Locals(IdentityKey, models.Identity{
			UserID:   userID.String(),
			Email:    claims.Email,
			FullName: claims.Name,
			TaxID:    claims.TaxID,
			Token:    tokenString,
		})
		c.SetUserContext(logg.WithUserID(c.UserContext(), userID.String()))
		return c.Next()
	}
}

// IdentityFrom returns the identity stored by Protected.
func IdentityFrom(c *fiber.Ctx) (models.Identity, bool) {
	id, ok := c.Locals(IdentityKey).(models.Identity)
	return id, ok
}
