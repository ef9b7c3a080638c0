package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	sessionCookie = "kubex-session"
	sessionMaxAge = 24 * time.Hour
)

// Auth issues and checks HMAC-signed session cookies. A zero Auth, or one
// without both credentials, disables authentication.
type Auth struct {
	User     string
	Password string
	Now      func() time.Time

	key []byte
}

func NewAuth(user, password string) *Auth {
	a := &Auth{User: user, Password: password}
	if password != "" {
		a.key = []byte(password + "-kubex-hmac-key")
	}
	return a
}

func (a *Auth) enabled() bool {
	return a != nil && a.User != "" && a.Password != ""
}

func (a *Auth) now() time.Time {
	if a.Now == nil {
		return time.Now()
	}
	return a.Now()
}

// Middleware requires a valid session on every /api/ path except login and logout.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled() {
			next.ServeHTTP(w, r)
			return
		}

		path := r.URL.Path
		if path == "/api/login" || path == "/api/logout" || !strings.HasPrefix(path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(sessionCookie)
		if err != nil || !a.validateSession(cookie.Value) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "Authentication required"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HandleLogin processes POST /api/login requests.
func (a *Auth) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !a.enabled() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(creds.Username), []byte(a.User)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(creds.Password), []byte(a.Password)) == 1
	if !userOK || !passOK {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid credentials"})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    a.generateSession(),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(sessionMaxAge.Seconds()),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleLogout clears the session cookie.
func (a *Auth) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// generateSession returns "unix.hex(hmac(unix))".
func (a *Auth) generateSession() string {
	ts := strconv.FormatInt(a.now().Unix(), 10)
	return ts + "." + a.sign(ts)
}

func (a *Auth) validateSession(token string) bool {
	ts, sig, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}

	issued, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if a.now().Sub(time.Unix(issued, 0)) > sessionMaxAge {
		return false
	}

	return hmac.Equal([]byte(sig), []byte(a.sign(ts)))
}

func (a *Auth) sign(ts string) string {
	mac := hmac.New(sha256.New, a.key)
	fmt.Fprint(mac, ts)
	return hex.EncodeToString(mac.Sum(nil))
}
