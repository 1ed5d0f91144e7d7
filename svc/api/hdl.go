package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"

	"github.com/est/p.est.im/cfg"
	"github.com/est/p.est.im/metrics"
	"github.com/est/p.est.im/pkg/domain"
	"github.com/est/p.est.im/svc/cache"
	"github.com/est/p.est.im/svc/lim"
	"github.com/est/p.est.im/svc/svc"
	"github.com/est/p.est.im/svc/util"
)

type Hdl struct {
	paste *svc.Service
	cache *cache.Coordinator
	cfg   *cfg.Cfg
}

// Root redirects to the configured informational URL.
func (h *Hdl) Root(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.cfg.RedirectURL, http.StatusFound)
}

// PutPaste accepts the request body as content. Oversized payloads are
// rejected before the body is read when Content-Length says so, and
// again while reading, so a lying client cannot stream past the limit.
func (h *Hdl) PutPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	if r.ContentLength > h.cfg.MaxContentSize {
		log.Warn().Int64("content_length", r.ContentLength).Msg("declared content length exceeds maximum")
		writeErr(w, domain.ErrTooLarge, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxContentSize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			log.Warn().Msg("request body exceeds maximum")
			writeErr(w, domain.ErrTooLarge, requestID)
			return
		}
		log.Warn().Err(err).Msg("failed to read request body")
		writeErr(w, domain.ErrBadRequest, requestID)
		return
	}

	in := svc.PutInput{
		Content:    body,
		ExplicitID: chi.URLParam(r, "id"),
		Addr:       lim.GetRealIP(r, h.cfg.TrustedProxies),
		UserAgent:  r.UserAgent(),
		Country:    r.Header.Get("CF-IPCountry"),
	}
	res, err := h.paste.Put(r.Context(), in)
	if err != nil {
		log.Warn().Err(err).Str("explicit_id", in.ExplicitID).Msg("put failed")
		writeErr(w, err, requestID)
		return
	}

	log.Info().
		Str("paste_id", res.Paste.ID).
		Str("mime", res.Paste.System.MIME).
		Int("size", len(body)).
		Msg("paste created")
	loc := h.baseURL(r) + "/" + res.Paste.ID
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Location", loc)
	w.Header().Set("X-Delete-Token", res.Token)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(loc + "\n"))
}

// GetPaste serves a paste through the response cache. The hotlink
// check runs before any cache or store access; cache hits are replayed
// verbatim; misses build the response, which is then populated into
// the cache with the same max-age the client sees.
func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	if hotlinkBlocked(r) {
		metrics.HotlinkBlocked.Inc()
		log.Warn().Str("dest", r.Header.Get("Sec-Fetch-Dest")).Msg("cross-site embed rejected")
		writeErr(w, domain.ErrForbidden, requestID)
		return
	}
	id := chi.URLParam(r, "id")
	variant := "raw"
	if isMarkdown(id) && acceptsHTML(r) {
		variant = "html"
	}
	key := cache.Key(http.MethodGet, "/"+id, variant)
	entry, hit, err := h.cache.Fetch(r.Context(), key, func() (*cache.Entry, time.Duration, error) {
		p, err := h.paste.Get(r.Context(), id)
		if err != nil {
			return nil, 0, err
		}
		ttl := p.Remaining(time.Now())
		maxAge := int(ttl.Seconds())
		if variant == "html" {
			return buildMarkdown(p, maxAge, h.cfg.CDNOrigin), ttl, nil
		}
		return buildRaw(p, maxAge), ttl, nil
	})
	if err != nil {
		log.Warn().Err(err).Str("paste_id", id).Msg("get failed")
		writeErr(w, err, requestID)
		return
	}
	log.Info().Str("paste_id", id).Bool("cache_hit", hit).Msg("paste served")
	writeEntry(w, entry)
}

// DeletePaste requires the X-Delete-Token issued at creation. On
// success the record is removed and the cached GET responses for the
// id are invalidated best-effort.
func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	token := r.Header.Get("X-Delete-Token")
	if token == "" {
		writeErr(w, domain.ErrTokenMissing, requestID)
		return
	}
	if err := h.paste.Delete(r.Context(), id, token); err != nil {
		log.Warn().Err(err).Str("paste_id", id).Msg("delete failed")
		writeErr(w, err, requestID)
		return
	}
	h.cache.Invalidate(
		cache.Key(http.MethodGet, "/"+id, "raw"),
		cache.Key(http.MethodGet, "/"+id, "html"),
	)
	log.Info().Str("paste_id", id).Msg("paste deleted via token")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

func (h *Hdl) baseURL(r *http.Request) string {
	if h.cfg.BaseURL != "" {
		return strings.TrimRight(h.cfg.BaseURL, "/")
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	resp := domain.ToResp(err)
	if statusCode >= 500 {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(struct {
		domain.ErrResp
		RequestID string `json:"request_id,omitempty"`
	}{resp, requestID})
}
