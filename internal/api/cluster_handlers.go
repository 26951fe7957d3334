package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/riskaudit/internal/cluster"
	"github.com/onnwee/riskaudit/internal/middleware"
)

// maxClusterBody bounds registration bodies, which carry a PEM certificate.
const maxClusterBody = 64 << 10

// ClusterRegistry is the cluster trust lifecycle used by the API.
type ClusterRegistry interface {
	Register(ctx context.Context, req cluster.RegisterRequest) (*cluster.Registration, error)
	Authenticate(ctx context.Context, id string, signature []byte, remoteIP string) (*cluster.Cluster, error)
	Heartbeat(ctx context.Context, id string) (*cluster.Cluster, error)
	Disable(ctx context.Context, id, reason string) (*cluster.Cluster, error)
	Get(ctx context.Context, id string) (*cluster.Cluster, error)
	List(ctx context.Context) ([]*cluster.Cluster, error)
}

// ClusterHandlers serves peer registration and cluster administration.
type ClusterHandlers struct {
	registry ClusterRegistry
}

// NewClusterHandlers creates cluster handlers.
func NewClusterHandlers(registry ClusterRegistry) *ClusterHandlers {
	return &ClusterHandlers{registry: registry}
}

// RegisterClusterRequest is the body of POST /api/v1/clusters.
type RegisterClusterRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Endpoint    string `json:"endpoint"`
	Certificate string `json:"certificate"`
}

// RegisterClusterResponse carries the challenge the peer must sign.
type RegisterClusterResponse struct {
	Cluster   *cluster.Cluster `json:"cluster"`
	Challenge string           `json:"challenge"`
	IssuedAt  time.Time        `json:"issued_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// AuthenticateClusterRequest is the body of POST /api/v1/clusters/{id}/authenticate.
// Signature is base64 (standard encoding) over the issued challenge.
type AuthenticateClusterRequest struct {
	Signature string `json:"signature"`
}

// DisableClusterRequest is the optional body of POST /api/v1/clusters/{id}/disable.
type DisableClusterRequest struct {
	Reason string `json:"reason"`
}

// ClusterListResponse lists registered clusters.
type ClusterListResponse struct {
	Clusters []*cluster.Cluster `json:"clusters"`
}

// Register handles POST /api/v1/clusters.
func (h *ClusterHandlers) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RegisterClusterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxClusterBody)).Decode(&req); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.Certificate == "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "certificate is required")
		return
	}

	reg, err := h.registry.Register(ctx, cluster.RegisterRequest{
		ID:             req.ID,
		Name:           req.Name,
		Endpoint:       req.Endpoint,
		CertificatePEM: req.Certificate,
		RemoteIP:       middleware.ClientIP(r),
	})
	if err != nil {
		h.writeClusterError(w, r, err, "Failed to register cluster")
		return
	}

	WriteJSON(w, ctx, http.StatusCreated, RegisterClusterResponse{
		Cluster:   reg.Cluster,
		Challenge: reg.Challenge.Value,
		IssuedAt:  reg.Challenge.IssuedAt,
		ExpiresAt: reg.ExpiresAt,
	})
}

// Authenticate handles POST /api/v1/clusters/{id}/authenticate.
func (h *ClusterHandlers) Authenticate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var req AuthenticateClusterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxClusterBody)).Decode(&req); err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
		return
	}
	signature, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil || len(signature) == 0 {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "signature must be non-empty base64")
		return
	}

	c, err := h.registry.Authenticate(ctx, id, signature, middleware.ClientIP(r))
	if err != nil {
		h.writeClusterError(w, r, err, "Failed to authenticate cluster")
		return
	}
	WriteJSON(w, ctx, http.StatusOK, c)
}

// Heartbeat handles POST /api/v1/clusters/{id}/heartbeat.
func (h *ClusterHandlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	c, err := h.registry.Heartbeat(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeClusterError(w, r, err, "Failed to record heartbeat")
		return
	}
	WriteJSON(w, r.Context(), http.StatusOK, c)
}

// Disable handles POST /api/v1/clusters/{id}/disable.
func (h *ClusterHandlers) Disable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DisableClusterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
		return
	}
	if req.Reason == "" {
		req.Reason = "disabled_by_admin"
	}

	c, err := h.registry.Disable(ctx, r.PathValue("id"), req.Reason)
	if err != nil {
		h.writeClusterError(w, r, err, "Failed to disable cluster")
		return
	}
	WriteJSON(w, ctx, http.StatusOK, c)
}

// Get handles GET /api/v1/clusters/{id}.
func (h *ClusterHandlers) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeClusterError(w, r, err, "Failed to get cluster")
		return
	}
	WriteJSON(w, r.Context(), http.StatusOK, c)
}

// List handles GET /api/v1/clusters.
func (h *ClusterHandlers) List(w http.ResponseWriter, r *http.Request) {
	clusters, err := h.registry.List(r.Context())
	if err != nil {
		h.writeClusterError(w, r, err, "Failed to list clusters")
		return
	}
	if clusters == nil {
		clusters = []*cluster.Cluster{}
	}
	WriteJSON(w, r.Context(), http.StatusOK, ClusterListResponse{Clusters: clusters})
}

// writeClusterError maps registry errors to API errors.
func (h *ClusterHandlers) writeClusterError(w http.ResponseWriter, r *http.Request, err error, internalMsg string) {
	ctx := r.Context()

	var certErr *cluster.CertificateError
	switch {
	case errors.Is(err, cluster.ErrMissingID):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "id is required")
	case errors.Is(err, cluster.ErrNotFound):
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Cluster not found")
	case errors.Is(err, cluster.ErrAlreadyRegistered):
		WriteError(w, ctx, http.StatusConflict, ErrCodeConflict, "Cluster already registered")
	case errors.As(err, &certErr):
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeInvalidCertificate, "Certificate rejected: "+certErr.Reason)
	case errors.Is(err, cluster.ErrChallengeExpired):
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeChallengeFailed, "Challenge expired; cluster disabled")
	case errors.Is(err, cluster.ErrChallengeFailed):
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeChallengeFailed, "Challenge verification failed; cluster disabled")
	case errors.Is(err, cluster.ErrInvalidState):
		WriteError(w, ctx, http.StatusConflict, ErrCodeInvalidState, "Cluster is not in a state that allows this operation")
	default:
		slog.ErrorContext(ctx, "cluster operation failed",
			"path", r.URL.Path,
			"cluster_id", r.PathValue("id"),
			"error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, internalMsg)
	}
}
