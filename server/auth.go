// Copyright 2025 Quarry
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ParseSecurityContext validates an HMAC-signed token against the shared
// secret and returns its claims as a security context map.
func ParseSecurityContext(tokenString string, secret []byte) (map[string]interface{}, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	securityContext := make(map[string]interface{}, len(claims))
	for k, v := range claims {
		securityContext[k] = v
	}
	return securityContext, nil
}

// RequestContextFromToken builds a fully normalized request context from a
// validated token. Both identity fields reference the same claim map.
func RequestContextFromToken(tokenString string, secret []byte) (*RequestContext, error) {
	sc, err := ParseSecurityContext(tokenString, secret)
	if err != nil {
		return nil, err
	}
	return &RequestContext{SecurityContext: sc, AuthInfo: sc}, nil
}

// requireAuth guards the admin routes with a bearer token check. With no API
// secret configured the guard is disabled and requests pass through.
func (a *httpAPI) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.secret == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			sendError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		if _, err := ParseSecurityContext(strings.TrimPrefix(header, "Bearer "), []byte(a.secret)); err != nil {
			sendError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}
