package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/agentworkforce/relaysync/internal/accounts"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

var (
	errUnauthorized = &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid credentials"}
	errUserMismatch = &authError{status: http.StatusForbidden, code: "forbidden", message: "credentials do not match path user"}
)

// authorize checks Basic credentials against the user registry or a bearer
// token against the token issuer. The authenticated user must equal the
// user named in the path.
func (s *Server) authorize(r *http.Request, pathUser string) *authError {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return errUnauthorized
	}

	var user string
	switch {
	case strings.HasPrefix(header, "Bearer "):
		if s.cfg.Tokens == nil {
			return errUnauthorized
		}
		subject, err := s.cfg.Tokens.Parse(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
		if err != nil {
			return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "invalid bearer token"}
		}
		user = subject
	default:
		if s.cfg.Users == nil {
			return errUnauthorized
		}
		name, password, ok := r.BasicAuth()
		if !ok {
			return errUnauthorized
		}
		if err := s.cfg.Users.Authenticate(name, password); err != nil {
			if errors.Is(err, accounts.ErrUnauthorized) {
				return errUnauthorized
			}
			return &authError{status: http.StatusInternalServerError, code: "internal_error", message: err.Error()}
		}
		user = name
	}

	if user != pathUser {
		return errUserMismatch
	}
	return nil
}
