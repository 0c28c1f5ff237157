package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	applog "maia/internal/platform/log"
)

// JWTConfig JWT 鉴权配置
type JWTConfig struct {
	Secret string // HMAC 签名密钥
	Issuer string // 可选签发者校验
}

// authMiddleware 校验 Authorization: Bearer <token>，sub 即参与者 ID
func authMiddleware(cfg *JWTConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Invalid Authorization header format")
				return
			}

			parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
			if cfg.Issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
			}

			token, err := jwt.Parse(parts[1], func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return []byte(cfg.Secret), nil
			}, parserOpts...)
			if err != nil || !token.Valid {
				applog.Warn("[Auth] Invalid JWT token", "error", err)
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Invalid token claims")
				return
			}
			subject, _ := claims.GetSubject()
			if strings.TrimSpace(subject) == "" {
				writeErrorCode(w, http.StatusForbidden, "forbidden_subject", "Missing sub in token")
				return
			}

			var roles []string
			if raw, ok := claims["roles"].([]interface{}); ok {
				for _, r := range raw {
					if s, ok := r.(string); ok {
						roles = append(roles, s)
					}
				}
			}

			ctx := WithParticipant(r.Context(), &Participant{Subject: subject, Roles: roles})
			applog.Debug("[Auth] Participant injected", "subject", subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// participantGuard 路径中的 {participant_id} 必须与 token 的 sub 一致
func participantGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := ParticipantFrom(r.Context())
		if err != nil {
			writeErrorCode(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		if id := chi.URLParam(r, "participant_id"); id != p.Subject {
			applog.Warn("[Auth] Participant mismatch", "subject", p.Subject, "participant_id", id)
			writeErrorCode(w, http.StatusForbidden, "forbidden_participant", "Token subject does not match participant")
			return
		}
		next.ServeHTTP(w, r)
	})
}
