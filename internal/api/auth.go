package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userContextKey  = "PlayerUUID"
	adminContextKey = "Admin"
)

// PlayerClaims identifies the player behind a request. Tokens are minted by
// the game server; this service only verifies them.
type PlayerClaims struct {
	PlayerUUID string `json:"uid"`
	Admin      bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken signs an HS256 token for player.
func GenerateToken(player, secret string, admin bool, expiresAt time.Time) (string, error) {
	claims := PlayerClaims{
		PlayerUUID: player,
		Admin:      admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   player,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (*PlayerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &PlayerClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*PlayerClaims)
	if !ok || !token.Valid || claims.PlayerUUID == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// AuthMiddleware enforces JWT auth for protected routes.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "MISSING_TOKEN",
				"error": "missing Authorization header",
			})
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_AUTH_HEADER",
				"error": "invalid Authorization header",
			})
			return
		}

		claims, err := parseToken(parts[1], secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_TOKEN",
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(userContextKey, claims.PlayerUUID)
		c.Set(adminContextKey, claims.Admin)
		c.Next()
	}
}

// AdminMiddleware requires the admin claim. It must run after AuthMiddleware.
func AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(adminContextKey) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":  "FORBIDDEN",
				"error": "admin token required",
			})
			return
		}
		c.Next()
	}
}

// CurrentPlayer returns the authenticated player uuid from context.
func CurrentPlayer(c *gin.Context) string {
	if v, ok := c.Get(userContextKey); ok {
		if id, okCast := v.(string); okCast {
			return id
		}
	}
	return ""
}

// walletMiddleware opens a wallet with the starting balance on a player's
// first authenticated request.
func (s *Server) walletMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.Wallet == nil {
			c.Next()
			return
		}
		created, err := s.Wallet.EnsureWallet(c.Request.Context(), CurrentPlayer(c))
		if err != nil {
			respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
			c.Abort()
			return
		}
		if created {
			s.Logger.Info("wallet opened", zap.String("player", CurrentPlayer(c)))
		}
		c.Next()
	}
}
