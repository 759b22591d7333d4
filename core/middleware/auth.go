package middleware

import (
	"crypto/subtle"
	"encoding/base64"
	nethttp "net/http"
	"strings"

	"github.com/searchktools/fastcore/core/http"
)

// Identity is the principal a successful auth middleware stores on the
// request.
type Identity struct {
	Subject string
	Scheme  string
}

// BasicAuth checks credentials with validate. realm is echoed in the
// challenge.
func BasicAuth(realm string, validate func(user, pass string) bool) Func {
	challenge := `Basic realm="` + strings.ReplaceAll(realm, `"`, "") + `"`
	return func(req *http.Request, next Next) *http.Response {
		user, pass, ok := parseBasic(req.Header.Get("Authorization"))
		if !ok || !validate(user, pass) {
			return unauthorized(challenge)
		}
		http.SetExt(req, Identity{Subject: user, Scheme: "basic"})
		return next.Run(req)
	}
}

// BearerAuth resolves a bearer token to a subject. verify returns false for
// unknown tokens.
func BearerAuth(verify func(token string) (subject string, ok bool)) Func {
	return func(req *http.Request, next Next) *http.Response {
		scheme, token, found := strings.Cut(req.Header.Get("Authorization"), " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return unauthorized("Bearer")
		}
		subject, ok := verify(strings.TrimSpace(token))
		if !ok {
			return unauthorized(`Bearer error="invalid_token"`)
		}
		http.SetExt(req, Identity{Subject: subject, Scheme: "bearer"})
		return next.Run(req)
	}
}

// StaticCredentials returns a BasicAuth validator over a fixed user table.
func StaticCredentials(users map[string]string) func(user, pass string) bool {
	return func(user, pass string) bool {
		want, ok := users[user]
		if !ok {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(want), []byte(pass)) == 1
	}
}

func parseBasic(header string) (user, pass string, ok bool) {
	scheme, enc, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Basic") {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(enc))
	if err != nil {
		return "", "", false
	}
	return strings.Cut(string(raw), ":")
}

func unauthorized(challenge string) *http.Response {
	resp := http.Error(nethttp.StatusUnauthorized, "")
	resp.Header.Set("WWW-Authenticate", challenge)
	return resp
}
