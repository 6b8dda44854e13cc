package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sheet-image-republisher/internal/settings"
)

const (
	adminCookieName = "admin"
	adminCookieTTL  = 8 * time.Hour
)

// adminToken is the admin cookie value for password; it changes whenever the
// password does.
func adminToken(password string) string {
	mac := hmac.New(sha256.New, []byte(password))
	_, _ = mac.Write([]byte("republisher-admin-v1"))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Server) adminLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, http.StatusBadRequest, "expected a form")
		return
	}
	password := r.PostForm.Get("password")
	if s.cfg.AdminPassword == "" ||
		subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.AdminPassword)) != 1 {
		s.logger.Warn("admin login rejected", zap.String("request_id", requestID(r.Context())))
		s.writeError(w, http.StatusForbidden, "bad password")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     adminCookieName,
		Value:    adminToken(s.cfg.AdminPassword),
		Path:     "/",
		MaxAge:   int(adminCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) adminLogout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     adminCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(adminCookieName)
		if err != nil || s.cfg.AdminPassword == "" ||
			!hmac.Equal([]byte(cookie.Value), []byte(adminToken(s.cfg.AdminPassword))) {
			s.writeError(w, http.StatusForbidden, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) adminSettings(w http.ResponseWriter, r *http.Request) {
	snap, err := settings.Read(r.Context(), s.deps.Settings)
	if err != nil {
		s.logger.Error("read settings failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read settings")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) adminSetWorkers(w http.ResponseWriter, r *http.Request) {
	s.setInt(w, r, "n", s.deps.Settings.SetDesiredWorkers)
}

func (s *Server) adminSetThreads(w http.ResponseWriter, r *http.Request) {
	s.setInt(w, r, "n", s.deps.Settings.SetThreadsPerBatch)
}

func (s *Server) adminSetRetention(w http.ResponseWriter, r *http.Request) {
	s.setInt(w, r, "days", s.deps.Settings.SetRetentionDays)
}

func (s *Server) adminSetAutoPurge(w http.ResponseWriter, r *http.Request) {
	enabled := settings.ParseBoolFlag(chi.URLParam(r, "flag"))
	if err := s.deps.Settings.SetAutoPurge(r.Context(), enabled); err != nil {
		s.logger.Error("set auto purge failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to update setting")
		return
	}
	s.logger.Info("auto purge updated", zap.Bool("enabled", enabled))
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) setInt(
	w http.ResponseWriter,
	r *http.Request,
	param string,
	set func(context.Context, int) error,
) {
	n, err := parseIntParam(r, param)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := set(r.Context(), n); err != nil {
		if errors.Is(err, settings.ErrInvalidValue) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("update setting failed", zap.String("param", param), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to update setting")
		return
	}
	s.logger.Info("setting updated", zap.String("path", r.URL.Path), zap.Int("value", n))
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) adminPurge(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Purger.Purge(r.Context())
	if err != nil {
		s.logger.Error("purge failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "purge failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "report": report})
}

var errNotInteger = errors.New("value must be an integer")

func parseIntParam(r *http.Request, name string) (int, error) {
	n, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil {
		return 0, errNotInteger
	}
	return n, nil
}
