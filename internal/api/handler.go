package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"photodrop/internal/archive"
	"photodrop/internal/files"
	"photodrop/internal/logging"
	"photodrop/internal/payments"
	"photodrop/internal/store"
)

// MaxUploadBody caps a whole upload request.
const MaxUploadBody = files.MaxFilesPerUpload*files.MaxPhotoSize + 1<<20

// multipartMemory is how much of a multipart body is held in memory before
// spilling to temp files.
const multipartMemory = 32 << 20

// Handler handles HTTP requests.
type Handler struct {
	files          *files.Service
	payments       *payments.Service
	archive        *archive.Streamer
	thumbnails     *files.Thumbnailer
	events         *EventHub
	pendingLimiter *PendingSessionLimiter
	mux            *http.ServeMux
}

// NewHandler creates a new HTTP handler.
// If pendingLimiter is nil, no pending session limit is enforced.
func NewHandler(files *files.Service, payments *payments.Service, streamer *archive.Streamer, pendingLimiter *PendingSessionLimiter) *Handler {
	h := &Handler{
		files:          files,
		payments:       payments,
		archive:        streamer,
		pendingLimiter: pendingLimiter,
		mux:            http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

// SetThumbnailer enables the thumbnail endpoint.
func (h *Handler) SetThumbnailer(t *files.Thumbnailer) {
	h.thumbnails = t
}

// SetEventHub enables the payment events websocket.
func (h *Handler) SetEventHub(hub *EventHub) {
	h.events = hub
}

// ServeUploads serves files written by FSStorage under /uploads/.
func (h *Handler) ServeUploads(dir string) {
	fs := http.StripPrefix("/uploads/", http.FileServer(http.Dir(dir)))
	h.mux.Handle("GET /uploads/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// no directory listings
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		fs.ServeHTTP(w, r)
	}))
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("POST /api/upload", h.handleUpload)
	h.mux.HandleFunc("GET /api/photos", h.handleListPhotos)
	h.mux.HandleFunc("GET /api/photos/{id}/thumbnail", h.handleThumbnail)
	h.mux.HandleFunc("POST /api/create-checkout-session", h.handleCreateCheckout)
	h.mux.HandleFunc("GET /api/verify-payment", h.handleVerifyPayment)
	h.mux.HandleFunc("GET /api/payment-status", h.handlePaymentStatus)
	h.mux.HandleFunc("GET /api/download-all/{clientId}", h.handleDownloadAll)
	h.mux.HandleFunc("GET /api/events", h.handleEvents)
	h.mux.HandleFunc("GET /health", h.handleHealth)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Internal.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps a service error to a status code. Unexpected errors
// are logged and reported as fallback.
func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	var fv *files.ValidationError
	var pv *payments.ValidationError

	switch {
	case errors.As(err, &fv):
		writeError(w, http.StatusBadRequest, fv.Reason)
	case errors.As(err, &pv):
		writeError(w, http.StatusBadRequest, pv.Reason)
	case errors.Is(err, files.ErrValidation), errors.Is(err, payments.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, payments.ErrNoPhotos), errors.Is(err, archive.ErrNoPhotos):
		writeError(w, http.StatusNotFound, "No photos found for this client")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Photo not found")
	case errors.Is(err, archive.ErrNotPaid):
		writeError(w, http.StatusForbidden, "Payment required")
	default:
		logging.Internal.Printf("%s: %v", fallback, err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBody)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, "Upload too large (max "+humanize.IBytes(MaxUploadBody)+")")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	clientID := strings.TrimSpace(r.FormValue("clientId"))
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "Client ID required")
		return
	}

	ip := extractIP(r)
	if h.pendingLimiter != nil && !h.pendingLimiter.CanUpload(ip, clientID) && !h.isPaid(r, clientID) {
		msg := fmt.Sprintf("pending session limit reached: you have %d unpaid gallery(s) (max %d). "+
			"Please pay for or wait for existing galleries to expire before starting another.",
			h.pendingLimiter.PendingCount(ip), h.pendingLimiter.MaxPending())
		writeError(w, http.StatusTooManyRequests, msg)
		return
	}

	headers := r.MultipartForm.File["photo"]
	photos := make([]files.PhotoFile, 0, len(headers))
	for _, fh := range headers {
		photos = append(photos, photoFile(fh))
	}

	records, err := h.files.Upload(r.Context(), clientID, photos)
	if err != nil {
		writeServiceError(w, err, "Error uploading photos")
		return
	}

	// paid galleries do not count against the limit
	if h.pendingLimiter != nil && !h.isPaid(r, clientID) {
		h.pendingLimiter.TrackPendingSession(ip, clientID)
	}

	writeJSON(w, http.StatusCreated, records)
}

func (h *Handler) isPaid(r *http.Request, clientID string) bool {
	paid, err := h.payments.PaymentStatus(r.Context(), clientID)
	if err != nil {
		logging.Internal.Printf("payment status for client %s: %v", clientID, err)
	}
	return paid
}

func photoFile(fh *multipart.FileHeader) files.PhotoFile {
	return files.PhotoFile{
		Name:        fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}

func (h *Handler) handleListPhotos(w http.ResponseWriter, r *http.Request) {
	photos, err := h.files.ListPhotos(r.Context(), r.URL.Query().Get("clientId"))
	if err != nil {
		writeServiceError(w, err, "Error fetching photos")
		return
	}
	if photos == nil {
		photos = []*store.Photo{}
	}
	writeJSON(w, http.StatusOK, photos)
}

func (h *Handler) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	if h.thumbnails == nil {
		writeError(w, http.StatusServiceUnavailable, "thumbnails not configured")
		return
	}

	p, err := h.files.GetPhoto(r.Context(), r.URL.Query().Get("clientId"), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err, "Error fetching photo")
		return
	}

	data, err := h.thumbnails.Thumbnail(r.Context(), p)
	if err != nil {
		logging.Media.Printf("thumbnail for photo %s failed: %v", p.ID, err)
		writeError(w, http.StatusBadGateway, "Could not generate thumbnail")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.Write(data)
}

type checkoutRequest struct {
	ClientID string `json:"clientId"`
}

func (h *Handler) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := h.payments.CreateCheckout(r.Context(), req.ClientID)
	if err != nil {
		writeServiceError(w, err, "Error creating checkout session")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type paidResponse struct {
	Paid bool `json:"paid"`
}

func (h *Handler) handleVerifyPayment(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	paid, err := h.payments.VerifyPayment(r.Context(), q.Get("stripeSessionId"), q.Get("clientId"))
	if err != nil {
		writeServiceError(w, err, "Error verifying payment")
		return
	}
	writeJSON(w, http.StatusOK, paidResponse{Paid: paid})
}

func (h *Handler) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	paid, err := h.payments.PaymentStatus(r.Context(), r.URL.Query().Get("clientId"))
	if err != nil {
		writeServiceError(w, err, "Error checking payment status")
		return
	}
	writeJSON(w, http.StatusOK, paidResponse{Paid: paid})
}

func (h *Handler) handleDownloadAll(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.PathValue("clientId"))
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "Client ID required")
		return
	}

	out := &httpOutput{w: w, rc: http.NewResponseController(w), clientID: clientID}
	_, err := h.archive.Stream(r.Context(), clientID, out)
	if err == nil {
		return
	}
	if !out.began {
		writeServiceError(w, err, "Error creating zip file")
		return
	}
	// headers are gone; the client sees a cut-off archive
	logging.Archive.Printf("download for client %s aborted: %v", clientID, err)
}

// httpOutput commits the zip response headers on Begin.
type httpOutput struct {
	w        http.ResponseWriter
	rc       *http.ResponseController
	clientID string
	began    bool
}

func (o *httpOutput) Begin() error {
	o.began = true
	o.w.Header().Set("Content-Type", "application/zip")
	o.w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", archive.Filename(o.clientID)))
	o.w.WriteHeader(http.StatusOK)

	// large archives outlive any server write timeout
	if err := o.rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logging.HTTP.Printf("clear write deadline: %v", err)
	}
	if err := o.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (o *httpOutput) Write(p []byte) (int, error) {
	return o.w.Write(p)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "events not configured")
		return
	}
	clientID := strings.TrimSpace(r.URL.Query().Get("clientId"))
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "Client ID required")
		return
	}
	h.events.Serve(w, r, clientID)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
