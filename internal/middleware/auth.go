package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/dukerupert/kinship/internal/auth"
	"github.com/dukerupert/kinship/internal/model"
)

// Identity headers set by the authenticating gateway in front of the service.
const (
	HeaderAccount = "X-Kinship-Account"
	HeaderFamily  = "X-Kinship-Family"
	HeaderRole    = "X-Kinship-Role"
	HeaderSession = "X-Kinship-Session"
)

// FamilyLookup resolves a family id.
type FamilyLookup interface {
	GetByID(ctx context.Context, id int64) (*model.Family, error)
}

// RequireIdentity reads the gateway identity headers, checks the family
// exists, and populates AuthContext. The session key defaults to the
// account id so a caller without one still gets a stable workflow.
func RequireIdentity(families FamilyLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID, err := strconv.ParseInt(r.Header.Get(HeaderAccount), 10, 64)
			if err != nil || accountID <= 0 {
				unauthorized(w)
				return
			}
			familyID, err := strconv.ParseInt(r.Header.Get(HeaderFamily), 10, 64)
			if err != nil || familyID <= 0 {
				unauthorized(w)
				return
			}

			fam, err := families.GetByID(r.Context(), familyID)
			if err != nil || fam == nil {
				unauthorized(w)
				return
			}

			role := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderRole)))
			if role == "" {
				role = "member"
			}
			session := strings.TrimSpace(r.Header.Get(HeaderSession))
			if session == "" {
				session = "account-" + strconv.FormatInt(accountID, 10)
			}

			ac := auth.AuthContext{
				AccountID:  accountID,
				FamilyID:   familyID,
				Role:       role,
				SessionKey: session,
			}

			ctx := auth.WithAuth(r.Context(), ac)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin checks that the authenticated caller has the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsAdmin(r.Context()) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
