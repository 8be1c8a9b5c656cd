package httpx

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

type authContextKey string

const contextKeyOperator authContextKey = "provisiond-operator"

type contextSetter interface {
	SetContext(context.Context)
}

// requireOperator ensures the request carries the configured operator token
// before invoking the handler. The comparison is constant-time.
func (r *Router) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, ok := r.ensureOperator(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureOperator validates the Authorization header and marks the context.
func (r *Router) ensureOperator(w http.ResponseWriter, req *http.Request) (context.Context, bool) {
	if r.operatorToken == "" {
		r.logger.Error("operator token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "operator authentication misconfigured")
		return req.Context(), false
	}
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return req.Context(), false
	}
	if len(token) != len(r.operatorToken) ||
		subtle.ConstantTimeCompare([]byte(token), []byte(r.operatorToken)) != 1 {
		r.logger.Warn("operator token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return req.Context(), false
	}
	ctx := context.WithValue(req.Context(), contextKeyOperator, true)
	return ctx, true
}

// isOperator reports whether the context was authenticated as an operator.
func isOperator(ctx context.Context) bool {
	value, _ := ctx.Value(contextKeyOperator).(bool)
	return value
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
