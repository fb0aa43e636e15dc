package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/COSCUP/newsletter/internal/csvio"
	"github.com/COSCUP/newsletter/internal/domain"
	"github.com/COSCUP/newsletter/internal/pkg/logger"
	"github.com/COSCUP/newsletter/internal/service/delivery"
	"github.com/COSCUP/newsletter/internal/service/ratelimit"
	"github.com/COSCUP/newsletter/internal/service/session"
	"github.com/COSCUP/newsletter/internal/service/subscriber"
	"github.com/COSCUP/newsletter/internal/service/verification"
)

const sessionCookie = "admin_session"

type ctxKey int

const ctxAdminEmail ctxKey = iota

// loginAccepted is returned for every non-rate-limited login attempt so
// the endpoint does not reveal which addresses are administrators.
const loginAccepted = "if this address is an administrator, a login link is on its way"

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid form")
		return
	}
	emailAddr := subscriber.NormalizeEmail(r.PostFormValue("email"))
	ip := clientIP(r)

	err := s.limiter.CheckAndRecord(r.Context(), domain.ScopeAdminLogin, emailAddr, ip,
		s.cfg.RateLimit.LoginLimit, s.cfg.RateLimit.LoginWindow.Std())
	if errors.Is(err, ratelimit.ErrRateLimited) {
		respondError(w, http.StatusTooManyRequests, "too many login attempts, try again later")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if !s.cfg.IsAdminEmail(emailAddr) {
		respondJSON(w, http.StatusOK, map[string]string{"message": loginAccepted})
		return
	}

	tok, err := s.tokens.Issue(r.Context(), verification.Target{AdminEmail: emailAddr},
		domain.TokenMagicLink, verification.MagicLinkTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.notifier.SendMagicLink(r.Context(), emailAddr, tok); err != nil {
		logger.Warn("magic link email failed", "error", err)
		respondError(w, http.StatusBadGateway, "could not send login email")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": loginAccepted})
}

func (s *Server) handleAdminAuth(w http.ResponseWriter, r *http.Request) {
	target, err := s.tokens.Redeem(r.Context(), chi.URLParam(r, "token"), domain.TokenMagicLink)
	if err != nil {
		respondError(w, verifyErrStatus(err), "login link invalid or expired")
		return
	}
	sessTok, err := s.sessions.Create(r.Context(), target.AdminEmail)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sessTok,
		Path:     "/",
		MaxAge:   int(session.TTL / time.Second),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	s.audit.Log(r.Context(), target.AdminEmail, "admin_login", "", clientIP(r))
	http.Redirect(w, r, "/admin/", http.StatusFound)
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookie)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		adminEmail, err := s.sessions.Validate(r.Context(), cookie.Value)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxAdminEmail, adminEmail)))
	})
}

func adminEmail(r *http.Request) string {
	email, _ := r.Context().Value(ctxAdminEmail).(string)
	return email
}

func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		if err := s.sessions.Destroy(r.Context(), cookie.Value); err != nil {
			logger.Warn("session destroy failed", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	respondJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (s *Server) handleAdminMe(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"email": adminEmail(r)})
}

type newsletterRequest struct {
	Title           string  `json:"title"`
	Slug            string  `json:"slug"`
	MarkdownContent string  `json:"markdown_content"`
	TemplateID      *string `json:"template_id"`
}

func (s *Server) handleNewsletterList(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.NewsletterStatus
	if st := r.URL.Query().Get("status"); st != "" {
		statuses = append(statuses, domain.NewsletterStatus(st))
	}
	list, err := s.orch.List(r.Context(), statuses...)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"newsletters": list})
}

func (s *Server) handleNewsletterCreate(w http.ResponseWriter, r *http.Request) {
	var req newsletterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}
	n, err := s.orch.CreateDraft(r.Context(), delivery.DraftInput{
		Title: req.Title, Slug: req.Slug, MarkdownContent: req.MarkdownContent, TemplateID: req.TemplateID,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.audit.Log(r.Context(), adminEmail(r), "newsletter_create", n.ID, clientIP(r))
	respondJSON(w, http.StatusCreated, n)
}

func (s *Server) handleNewsletterGet(w http.ResponseWriter, r *http.Request) {
	n, err := s.orch.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondDeliveryErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

func (s *Server) handleNewsletterUpdate(w http.ResponseWriter, r *http.Request) {
	var req newsletterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}
	n, err := s.orch.UpdateDraft(r.Context(), chi.URLParam(r, "id"), delivery.DraftInput{
		Title: req.Title, Slug: req.Slug, MarkdownContent: req.MarkdownContent, TemplateID: req.TemplateID,
	})
	if err != nil {
		s.respondDeliveryErr(w, err)
		return
	}
	s.audit.Log(r.Context(), adminEmail(r), "newsletter_update", n.ID, clientIP(r))
	respondJSON(w, http.StatusOK, n)
}

func (s *Server) handleNewsletterDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orch.DeleteDraft(r.Context(), id); err != nil {
		s.respondDeliveryErr(w, err)
		return
	}
	s.audit.Log(r.Context(), adminEmail(r), "newsletter_delete", id, clientIP(r))
	respondJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}

func (s *Server) newsletterAction(w http.ResponseWriter, r *http.Request, action string,
	fn func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		s.respondDeliveryErr(w, err)
		return
	}
	s.audit.Log(r.Context(), adminEmail(r), action, id, clientIP(r))
	respondJSON(w, http.StatusOK, map[string]string{"message": action + " accepted"})
}

func (s *Server) handleNewsletterSend(w http.ResponseWriter, r *http.Request) {
	s.newsletterAction(w, r, "newsletter_send", s.orch.Start)
}

func (s *Server) handleNewsletterSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		At time.Time `json:"at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.At.IsZero() {
		respondError(w, http.StatusBadRequest, "invalid schedule time")
		return
	}
	s.newsletterAction(w, r, "newsletter_schedule", func(ctx context.Context, id string) error {
		return s.orch.Schedule(ctx, id, req.At)
	})
}

func (s *Server) handleNewsletterCancel(w http.ResponseWriter, r *http.Request) {
	s.newsletterAction(w, r, "newsletter_cancel", s.orch.Cancel)
}

func (s *Server) handleNewsletterPause(w http.ResponseWriter, r *http.Request) {
	s.newsletterAction(w, r, "newsletter_pause", s.orch.Pause)
}

func (s *Server) handleNewsletterResume(w http.ResponseWriter, r *http.Request) {
	s.newsletterAction(w, r, "newsletter_resume", s.orch.Resume)
}

func (s *Server) handleNewsletterRetryFailed(w http.ResponseWriter, r *http.Request) {
	s.newsletterAction(w, r, "newsletter_retry_failed", s.orch.RetryFailed)
}

func (s *Server) handleNewsletterStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondDeliveryErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) respondDeliveryErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, delivery.ErrNotFound):
		respondError(w, http.StatusNotFound, "newsletter not found")
	case errors.Is(err, delivery.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "operation not allowed in current state")
	case errors.Is(err, delivery.ErrNotEditable):
		respondError(w, http.StatusConflict, "newsletter content is frozen")
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleSubscriberList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	subs, total, err := s.subs.List(r.Context(), subscriber.ListFilter{
		Search:       q.Get("search"),
		OnlyEligible: q.Get("eligible") == "true",
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"subscribers": subs, "total": total})
}

func (s *Server) handleSubscriberExport(w http.ResponseWriter, r *http.Request) {
	subs, err := s.subs.ListAll(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="subscribers.csv"`)
	if err := csvio.Export(w, subs); err != nil {
		logger.Warn("subscriber export failed", "error", err)
	}
	s.audit.Log(r.Context(), adminEmail(r), "subscriber_export", strconv.Itoa(len(subs)), clientIP(r))
}

func (s *Server) handleSubscriberImport(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()

	res, err := s.importer.Import(r.Context(), file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "import failed: "+err.Error())
		return
	}
	s.audit.Log(r.Context(), adminEmail(r), "subscriber_import", strconv.Itoa(res.Imported), clientIP(r))
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleTopicStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.StatsByTopic(r.Context(), chi.URLParam(r, "topic"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
