package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/COSCUP/newsletter/internal/domain"
	"github.com/COSCUP/newsletter/internal/pkg/logger"
	"github.com/COSCUP/newsletter/internal/service/ratelimit"
	"github.com/COSCUP/newsletter/internal/service/subscriber"
	"github.com/COSCUP/newsletter/internal/service/tracking"
	"github.com/COSCUP/newsletter/internal/service/verification"
)

// pixelGIF is a 1x1 transparent GIF, returned by the open-tracking
// endpoint no matter what.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// subscribeAccepted is returned for every non-error subscribe attempt, so
// the endpoint never confirms whether an address was already registered.
const subscribeAccepted = "請至信箱確認訂閱信件"

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid form")
		return
	}
	emailAddr := subscriber.NormalizeEmail(r.PostFormValue("email"))
	name := r.PostFormValue("name")
	ip := clientIP(r)

	ok, err := s.captcha.Verify(r.Context(), r.PostFormValue("cf-turnstile-response"), ip)
	if err != nil {
		logger.Warn("captcha verification error", "error", err)
		respondError(w, http.StatusBadGateway, "captcha verification unavailable")
		return
	}
	if !ok {
		respondError(w, http.StatusBadRequest, "captcha verification failed")
		return
	}

	err = s.limiter.CheckAndRecord(r.Context(), domain.ScopeSubscribe, emailAddr, ip,
		s.cfg.RateLimit.SubscribeLimit, s.cfg.RateLimit.SubscribeWindow.Std())
	if errors.Is(err, ratelimit.ErrRateLimited) {
		respondError(w, http.StatusTooManyRequests, "too many subscription attempts, try again later")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	sub, _, err := s.subs.Subscribe(r.Context(), emailAddr, name, "web")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid email address")
		return
	}

	if sub.VerifiedEmail {
		// Already subscribed: remind them where their management page is
		// instead of issuing another verification token.
		if err := s.notifier.SendManageLink(r.Context(), sub.Email, sub.Name, subscriber.AdminLink(sub)); err != nil {
			logger.Warn("manage link email failed", "error", err)
		}
		respondJSON(w, http.StatusOK, map[string]string{"message": subscribeAccepted})
		return
	}

	tok, err := s.tokens.Issue(r.Context(), verification.Target{SubscriberID: sub.ID},
		domain.TokenEmailVerify, s.cfg.Delivery.VerifyTokenTTL.Std())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.notifier.SendVerification(r.Context(), sub.Email, sub.Name, tok); err != nil {
		logger.Warn("verification email failed", "error", err)
		respondError(w, http.StatusBadGateway, "could not send verification email")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": subscribeAccepted})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	target, err := s.tokens.Redeem(r.Context(), chi.URLParam(r, "token"), domain.TokenEmailVerify)
	if err != nil {
		respondError(w, verifyErrStatus(err), verifyErrMessage(err))
		return
	}
	sub, err := s.subs.VerifyEmail(r.Context(), target.SubscriberID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	http.Redirect(w, r, "/manage/"+subscriber.AdminLink(sub), http.StatusFound)
}

// verifyErrStatus maps redemption failures for the explicit error page;
// unlike tracking, verification failures are meant to be visible.
func verifyErrStatus(err error) int {
	switch {
	case errors.Is(err, verification.ErrTokenNotFound):
		return http.StatusNotFound
	case errors.Is(err, verification.ErrTokenExpired),
		errors.Is(err, verification.ErrTokenAlreadyUsed),
		errors.Is(err, verification.ErrTokenTypeMismatch):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func verifyErrMessage(err error) string {
	switch {
	case errors.Is(err, verification.ErrTokenNotFound):
		return "verification link not found"
	case errors.Is(err, verification.ErrTokenExpired):
		return "verification link expired"
	case errors.Is(err, verification.ErrTokenAlreadyUsed):
		return "verification link already used"
	case errors.Is(err, verification.ErrTokenTypeMismatch):
		return "verification link invalid"
	default:
		return "internal error"
	}
}

type managePage struct {
	Email     string `json:"email"`
	Name      string `json:"name"`
	Status    bool   `json:"status"`
	AdminLink string `json:"admin_link"`
}

func (s *Server) findByLink(w http.ResponseWriter, r *http.Request) *domain.Subscriber {
	sub, err := s.subs.FindByAdminLink(r.Context(), chi.URLParam(r, "adminLink"))
	if err != nil {
		// Same response for unknown and malformed links: no detail leaks.
		respondError(w, http.StatusNotFound, "not found")
		return nil
	}
	return sub
}

func (s *Server) handleManageGet(w http.ResponseWriter, r *http.Request) {
	sub := s.findByLink(w, r)
	if sub == nil {
		return
	}
	respondJSON(w, http.StatusOK, managePage{
		Email:     sub.Email,
		Name:      sub.Name,
		Status:    sub.Status,
		AdminLink: subscriber.AdminLink(sub),
	})
}

func (s *Server) handleManagePost(w http.ResponseWriter, r *http.Request) {
	sub := s.findByLink(w, r)
	if sub == nil {
		return
	}
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid form")
		return
	}

	var err error
	switch action := r.PostFormValue("action"); action {
	case "update_name":
		err = s.subs.UpdateName(r.Context(), sub.ID, r.PostFormValue("name"))
	case "unsubscribe":
		err = s.subs.Unsubscribe(r.Context(), sub.ID)
	case "resubscribe":
		err = s.subs.Resubscribe(r.Context(), sub.ID)
	default:
		respondError(w, http.StatusBadRequest, "unknown action")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.handleManageGet(w, r)
}

// handleOneClickUnsubscribe serves both the emailed unsubscribe link and
// RFC 8058 one-click POSTs from mail clients.
func (s *Server) handleOneClickUnsubscribe(w http.ResponseWriter, r *http.Request) {
	sub := s.findByLink(w, r)
	if sub == nil {
		return
	}
	if err := s.subs.Unsubscribe(r.Context(), sub.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "已取消訂閱"})
}

func (s *Server) handleTrackOpen(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.recorder.Record(r.Context(), q.Get("ucode"), q.Get("topic"), q.Get("hash"),
		domain.EventOpen, "", tracking.Meta{UserAgent: r.UserAgent(), IPAddress: clientIP(r)})

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(pixelGIF)
}

func (s *Server) handleTrackClick(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dest := q.Get("url")
	if dest == "" {
		respondError(w, http.StatusBadRequest, "missing url")
		return
	}
	s.recorder.Record(r.Context(), q.Get("ucode"), q.Get("topic"), q.Get("hash"),
		domain.EventClick, dest, tracking.Meta{UserAgent: r.UserAgent(), IPAddress: clientIP(r)})

	// The redirect happens whether or not the hit verified; probing this
	// endpoint yields no signal about valid ucodes.
	http.Redirect(w, r, dest, http.StatusFound)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	n, html, err := s.orch.ArchiveHTML(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Last-Modified", archiveModTime(n).Format(http.TimeFormat))
	w.Write([]byte(html))
}

func archiveModTime(n *domain.Newsletter) time.Time {
	if n.SendingCompletedAt != nil {
		return *n.SendingCompletedAt
	}
	return n.UpdatedAt
}
