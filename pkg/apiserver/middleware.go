/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apiserver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/errors"
	"github.com/gridmesh/controlplane/pkg/operator/logging"
)

const (
	headerTimestamp = "X-Node-Timestamp"
	headerSignature = "X-Node-Signature"
	// replayWindow bounds how stale or future-dated a signed node request
	// may be.
	replayWindow = 60 * time.Second
)

type principalKey struct{}

// AuthFunc resolves a bearer token to a Principal. Token verification lives
// outside the control plane; the default is only suitable for development.
type AuthFunc func(token string) (core.Principal, error)

// DevAuth accepts "userId:wallet[:role,...]" tokens verbatim.
func DevAuth(token string) (core.Principal, error) {
	parts := strings.Split(token, ":")
	if len(parts) < 2 || parts[0] == "" {
		return core.Principal{}, errors.Forbidden("malformed token")
	}
	p := core.Principal{UserID: parts[0], Wallet: parts[1]}
	if len(parts) > 2 {
		p.Roles = strings.Split(parts[2], ",")
	}
	return p, nil
}

func principalFrom(ctx context.Context) core.Principal {
	if p, ok := ctx.Value(principalKey{}).(core.Principal); ok {
		return p
	}
	return core.Principal{}
}

// requirePrincipal extracts and verifies the bearer token, stashing the
// Principal in the request context.
func (s *Server) requirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			respondErr(w, errors.Forbidden("missing bearer token"))
			return
		}
		principal, err := s.auth(token)
		if err != nil {
			respondErr(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
	})
}

// requireNodeSignature authenticates node-originated requests: an HMAC-SHA256
// over timestamp, method, path, and body with the node's registration key,
// plus a timestamp anti-replay window.
func (s *Server) requireNodeSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nodeID := chi.URLParam(r, "nodeID")
		node, err := s.state.Nodes.Get(nodeID)
		if err != nil {
			respondErr(w, err)
			return
		}
		tsHeader := r.Header.Get(headerTimestamp)
		unix, err := strconv.ParseInt(tsHeader, 10, 64)
		if err != nil {
			respondErr(w, errors.Forbidden("missing or malformed timestamp"))
			return
		}
		skew := s.clk.Now().Sub(time.Unix(unix, 0))
		if skew > replayWindow || skew < -replayWindow {
			respondErr(w, errors.Forbidden("timestamp outside replay window"))
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			respondErr(w, errors.Validation("reading body: %s", err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		expected := signRequest(node.HMACKey, tsHeader, r.Method, r.URL.Path, body)
		given := r.Header.Get(headerSignature)
		if given == "" || !hmac.Equal([]byte(expected), []byte(given)) {
			logging.FromContext(r.Context()).V(1).Info("rejected node signature", "node", nodeID)
			respondErr(w, errors.Forbidden("invalid signature"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// signRequest computes the node request signature. Agents must produce the
// identical digest.
func signRequest(key, timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	fmt.Fprintf(mac, "%s\n%s\n%s\n", timestamp, method, path)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// requestLogger logs one line per request with latency.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clk.Now()
		next.ServeHTTP(w, r)
		logging.FromContext(r.Context()).V(1).Info("request",
			"method", r.Method, "path", r.URL.Path, "duration", s.clk.Since(start))
	})
}
