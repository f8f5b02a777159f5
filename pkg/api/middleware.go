package api

import (
	"crypto/subtle"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mahaj/village-chat/pkg/auth"
	"github.com/mahaj/village-chat/pkg/gateway"
	"github.com/mahaj/village-chat/pkg/model"
)

const identityKey = "identity"

func CORSMiddleware(origins *gateway.OriginPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" && origins.Allowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		c.Header("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// AuthMiddleware resolves the bearer token to an identity and stores it on
// the context.
func AuthMiddleware(a gateway.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, err := a.Authenticate(c.Request.Context(), auth.TokenFromRequest(c.Request))
		if err != nil {
			if !errors.Is(err, model.ErrUnauthenticated) {
				log.Printf("Authentication error: %v", err)
			}
			abortWithError(c, err, "Authentication failed")
			return
		}
		c.Set(identityKey, who)
		c.Next()
	}
}

// ServiceMiddleware admits requests carrying token in X-Service-Token or as
// a bearer token. User JWTs are never accepted here.
func ServiceMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": gin.H{"code": "forbidden", "message": "Context hooks are disabled"}})
			return
		}
		got := c.GetHeader("X-Service-Token")
		if got == "" {
			got = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			abortWithError(c, model.Errorf(model.ErrUnauthenticated, "invalid service token"), "")
			return
		}
		c.Next()
	}
}

func identity(c *gin.Context) model.Identity {
	who, _ := c.MustGet(identityKey).(model.Identity)
	return who
}

// abortWithError writes the {"error": {code, message}} body. Membership
// failures look like a missing channel so callers cannot discover channel ids.
func abortWithError(c *gin.Context, err error, fallback string) {
	code := model.Code(err)
	message := model.PublicMessage(err, fallback)

	status := http.StatusInternalServerError
	switch code {
	case "unauthorized":
		status = http.StatusUnauthorized
	case "forbidden":
		status = http.StatusNotFound
		code = "not_found"
		message = "Channel not found or access denied"
	case "bad_request":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "conflict":
		status = http.StatusConflict
	default:
		log.Printf("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
	}

	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}
