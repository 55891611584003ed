package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"omemostore/internal/auth"
	"omemostore/internal/domain"
	"omemostore/internal/dto"
	"omemostore/internal/lifecycle"
	"omemostore/internal/observability/middleware"
	"omemostore/internal/store"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Deps struct {
	Manager *lifecycle.Manager
	Store   *store.Store
	// Signer guards /v1 with admin bearer tokens. Nil disables the check.
	Signer *auth.Signer
	Logger *slog.Logger
	// RequestsPerMinute limits /v1 calls per client IP. Zero means 100.
	RequestsPerMinute int
}

type handler struct {
	m   *lifecycle.Manager
	st  *store.Store
	log *slog.Logger
}

func NewRouter(d Deps) http.Handler {
	h := &handler{m: d.Manager, st: d.Store, log: d.Logger}
	if h.log == nil {
		h.log = slog.Default()
	}
	limit := d.RequestsPerMinute
	if limit <= 0 {
		limit = 100
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.WithRequestAndTrace)
	r.Use(middleware.LogRequests(h.log))
	r.Use(chimw.Recoverer)
	r.Use(middleware.WithMetrics)

	r.Get("/healthz", h.healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(limit, time.Minute))
		r.Use(auth.Middleware(d.Signer))

		r.Route("/accounts/{account}", func(r chi.Router) {
			r.Delete("/", h.purgeAccount)

			r.Post("/identity", h.initialize)
			r.Get("/identity", h.identity)
			r.Post("/identity/regenerate", h.regenerate)
			r.Post("/identity/activate", h.activate)
			r.Post("/signed-prekey/rotate", h.rotate)
			r.Post("/prekeys/replenish", h.replenish)

			r.Route("/contacts/{address}", func(r chi.Router) {
				r.Get("/devices", h.deviceList)
				r.Put("/devices", h.updateDeviceList)
				r.Delete("/devices/{device}", h.purgeDevice)
				r.Put("/devices/{device}/trust", h.setTrust)
				r.Get("/trusted", h.trustedCount)
			})
		})
	})

	return r
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.st.Ping(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handler) initialize(w http.ResponseWriter, r *http.Request) {
	account := param(r, "account")
	dev, err := h.m.InitializeAccountIdentity(r.Context(), account)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	state, err := h.m.State(r.Context(), account)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dto.DeviceResponse{Account: account, DeviceID: dev.ID, State: string(state)})
}

func (h *handler) identity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account := param(r, "account")

	own, err := h.m.LoadOwnIdentity(ctx, account)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	reg, ok := h.registration(w, r, account)
	if !ok {
		return
	}
	spk, err := h.st.SignedPreKeys().Load(ctx, own.Device, reg.CurrentSignedPreKeyID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	pks, err := h.st.PreKeys().LoadAll(ctx, own.Device)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	pub := own.KeyPair.PublicKey()
	res := dto.IdentityResponse{
		Account:               account,
		DeviceID:              own.Device.ID,
		State:                 string(reg.State),
		CurrentSignedPreKeyID: reg.CurrentSignedPreKeyID,
		LastPreKeyID:          reg.LastPreKeyID,
		IdentityKey:           b64(pub.Serialized()),
		SigningKey:            b64(pub.Signing),
		Fingerprint:           pub.Fingerprint(),
		PreKeys:               make([]dto.PreKey, 0, len(pks)),
	}
	if spk != nil {
		res.SignedPreKey = &dto.SignedPreKey{
			ID:        spk.ID,
			PublicKey: b64(spk.SerializedPublic()),
			Signature: b64(spk.Signature),
			CreatedAt: spk.Timestamp,
		}
	}
	for _, pk := range pks {
		res.PreKeys = append(res.PreKeys, dto.PreKey{ID: pk.ID, PublicKey: b64(pk.SerializedPublic())})
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) regenerate(w http.ResponseWriter, r *http.Request) {
	account := param(r, "account")
	dev, err := h.m.RegenerateAccountIdentity(r.Context(), account)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	state, err := h.m.State(r.Context(), account)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.DeviceResponse{Account: account, DeviceID: dev.ID, State: string(state)})
}

func (h *handler) activate(w http.ResponseWriter, r *http.Request) {
	if err := h.m.Activate(r.Context(), param(r, "account")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) rotate(w http.ResponseWriter, r *http.Request) {
	account := param(r, "account")
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.badRequest(w, r, "invalid force parameter")
			return
		}
		force = b
	}
	rotated, err := h.m.RotateSignedPreKey(r.Context(), account, force)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	reg, ok := h.registration(w, r, account)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, dto.RotateSignedPreKeyResponse{
		Rotated:               rotated,
		CurrentSignedPreKeyID: reg.CurrentSignedPreKeyID,
	})
}

func (h *handler) replenish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account := param(r, "account")
	added, err := h.m.ReplenishPreKeys(ctx, account)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	reg, ok := h.registration(w, r, account)
	if !ok {
		return
	}
	count, err := h.st.PreKeys().Count(ctx, reg.Device())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ReplenishPreKeysResponse{Added: added, Count: count})
}

func (h *handler) purgeAccount(w http.ResponseWriter, r *http.Request) {
	account := param(r, "account")
	counts, err := h.m.PurgeAccount(r.Context(), account)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res := dto.PurgeAccountResponse{Account: account, Deleted: make(map[string]int64, len(counts))}
	for kind, n := range counts {
		res.Deleted[kind.String()] = n
	}
	h.log.Info("account purged via admin api",
		"account", account,
		"operator", auth.SubjectFromContext(r.Context()),
		"request_id", middleware.RequestIDFromContext(r.Context()),
	)
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) deviceList(w http.ResponseWriter, r *http.Request) {
	address := param(r, "address")
	list, err := h.st.Identities(param(r, "account")).DeviceList(r.Context(), address)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.DeviceListResponse{Address: address, Active: list.Active, Inactive: list.Inactive})
}

func (h *handler) updateDeviceList(w http.ResponseWriter, r *http.Request) {
	var req dto.DeviceListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, r, "invalid json")
		return
	}
	ids := h.st.Identities(param(r, "account"))
	address := param(r, "address")
	if err := ids.UpdateDeviceList(r.Context(), address, req.Active, req.Inactive); err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := ids.DeviceList(r.Context(), address)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.DeviceListResponse{Address: address, Active: list.Active, Inactive: list.Inactive})
}

func (h *handler) purgeDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := h.device(w, r)
	if !ok {
		return
	}
	if err := h.m.PurgeDevice(r.Context(), param(r, "account"), dev); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) setTrust(w http.ResponseWriter, r *http.Request) {
	dev, ok := h.device(w, r)
	if !ok {
		return
	}
	var req dto.SetTrustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, r, "invalid json")
		return
	}
	if req.Fingerprint == "" {
		h.badRequest(w, r, "fingerprint is required")
		return
	}
	status, err := domain.ParseTrustStatus(req.Trust)
	if err != nil {
		h.badRequest(w, r, err.Error())
		return
	}

	ids := h.st.Identities(param(r, "account"))
	var updated bool
	if req.Blind {
		updated, err = ids.PreTrust(r.Context(), dev, req.Fingerprint, status)
	} else {
		updated, err = ids.SetTrust(r.Context(), dev, req.Fingerprint, status)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	code := http.StatusOK
	if !updated {
		code = http.StatusConflict
	}
	writeJSON(w, code, dto.SetTrustResponse{Updated: updated, Trust: status.String()})
}

func (h *handler) trustedCount(w http.ResponseWriter, r *http.Request) {
	address := param(r, "address")
	n, err := h.st.Identities(param(r, "account")).CountTrusted(r.Context(), address)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.TrustedCountResponse{Address: address, Trusted: n})
}

func (h *handler) registration(w http.ResponseWriter, r *http.Request, account string) (*domain.DeviceRegistration, bool) {
	reg, err := h.st.Registrations().Get(r.Context(), account)
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	if reg == nil {
		h.fail(w, r, domain.ErrNotInitialized)
		return nil, false
	}
	return reg, true
}

func (h *handler) device(w http.ResponseWriter, r *http.Request) (domain.Device, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "device"), 10, 32)
	dev := domain.Device{Address: param(r, "address"), ID: uint32(id)}
	if err != nil || !dev.Valid() {
		h.badRequest(w, r, "invalid device id")
		return dev, false
	}
	return dev, true
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	reqID := middleware.RequestIDFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		h.log.Error("admin request failed", "error", err, "path", r.URL.Path, "request_id", reqID)
	} else {
		h.log.Warn("admin request rejected", "error", err, "path", r.URL.Path, "request_id", reqID)
	}
	writeJSON(w, status, dto.ErrorResponse{Error: err.Error(), RequestID: reqID})
}

func (h *handler) badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{
		Error:     msg,
		RequestID: middleware.RequestIDFromContext(r.Context()),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidAccount), errors.Is(err, domain.ErrInvalidDevice):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotInitialized):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrOwnDevice),
		errors.Is(err, domain.ErrConstraintViolation),
		errors.Is(err, domain.ErrCounterRegression):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func param(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
