package server

import (
	"math"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	obscontext "github.com/smallbiznis/stagecraft/internal/observability/context"
	"github.com/smallbiznis/stagecraft/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	contextAccountIDKey = "account_id"

	rateLimitReasonAccountRate = "account-rate"
)

// AuthRequired accepts an HS256 bearer token whose subject is the account id.
func (s *Server) AuthRequired() gin.HandlerFunc {
	secret := []byte(s.cfg.AuthJWTSecret)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	return func(c *gin.Context) {
		if len(secret) == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		header := strings.TrimSpace(c.GetHeader("Authorization"))
		parts := strings.Fields(header)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := parser.ParseWithClaims(parts[1], claims, func(*jwt.Token) (any, error) {
			return secret, nil
		})
		if err != nil || !token.Valid {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		accountID, err := snowflake.ParseString(strings.TrimSpace(claims.Subject))
		if err != nil || accountID <= 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextAccountIDKey, accountID)
		c.Request = c.Request.WithContext(obscontext.WithAccountID(c.Request.Context(), accountID.String()))
		c.Next()
	}
}

func accountIDFromContext(c *gin.Context) (snowflake.ID, error) {
	value, ok := c.Get(contextAccountIDKey)
	if !ok {
		return 0, ErrUnauthorized
	}
	accountID, ok := value.(snowflake.ID)
	if !ok || accountID == 0 {
		return 0, ErrUnauthorized
	}
	return accountID, nil
}

// StagingCreateRateLimit applies the per-account token bucket to job submissions.
func (s *Server) StagingCreateRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.stagingLimiter == nil || !s.stagingLimiter.Enabled() {
			c.Next()
			return
		}

		accountID, err := accountIDFromContext(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := c.Request.Context()
		result, err := s.stagingLimiter.AllowCreate(ctx, accountID.String())
		if err != nil {
			// Fail open when redis is unreachable.
			logger.FromContext(ctx).Warn("staging rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !result.Allowed {
			s.obsMetrics.RecordRateLimitDenied(ctx, c.FullPath(), rateLimitReasonAccountRate)
			if result.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(result.RetryAfter.Seconds()))))
			}
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func parseIDParam(c *gin.Context, name string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param(name)))
	if err != nil || id <= 0 {
		return 0, newValidationError(name, "invalid_"+name, "invalid "+name)
	}
	return id, nil
}
