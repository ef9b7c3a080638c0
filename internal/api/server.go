package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"k8s.io/client-go/kubernetes"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/migalsp/kubex-lifecycle/internal/admission"
	"github.com/migalsp/kubex-lifecycle/internal/audit"
	"github.com/migalsp/kubex-lifecycle/internal/businesshours"
	"github.com/migalsp/kubex-lifecycle/internal/costcenter"
	"github.com/migalsp/kubex-lifecycle/internal/inspector"
	"github.com/migalsp/kubex-lifecycle/internal/lifecycle"
	"github.com/migalsp/kubex-lifecycle/internal/reason"
	"github.com/migalsp/kubex-lifecycle/internal/scaling"
)

// Version is set at build time via ldflags
var Version = "dev"

type Server struct {
	Lifecycle     *lifecycle.Service
	Inspector     *inspector.Inspector
	Permissions   *costcenter.Manager
	Audit         audit.Querier
	Calculator    *businesshours.Calculator
	Protected     admission.ProtectedSet
	K8sClient     kubernetes.Interface
	MetricsClient metricsv.Interface
	Auth          *Auth
	Port          string
	Now           func() time.Time

	validate *validator.Validate
}

// NeedLeaderElection lets every replica serve the API.
func (s *Server) NeedLeaderElection() bool {
	return false
}

// Handler builds the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	if s.validate == nil {
		s.validate = validator.New()
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /api/cluster-info", s.handleClusterInfo)
	mux.HandleFunc("GET /api/business-hours", s.handleBusinessHours)
	mux.HandleFunc("GET /api/protected-namespaces", s.handleProtectedNamespaces)

	mux.HandleFunc("GET /api/namespaces/{ns}", s.handleNamespaceStatus)
	mux.HandleFunc("POST /api/namespaces/{ns}/activate", s.handleActivate)
	mux.HandleFunc("POST /api/namespaces/{ns}/deactivate", s.handleDeactivate)
	mux.HandleFunc("POST /api/namespaces/{ns}/scale", s.handleScale)

	mux.HandleFunc("GET /api/cost-centers", s.handleCostCenters)
	mux.HandleFunc("GET /api/cost-centers/{cc}/permission", s.handleGetPermission)
	mux.HandleFunc("PUT /api/cost-centers/{cc}/permission", s.handlePutPermission)
	mux.HandleFunc("DELETE /api/cost-centers/{cc}/permission", s.handleDeletePermission)

	mux.HandleFunc("GET /api/audit", s.handleAudit)

	auth := s.Auth
	if auth == nil {
		auth = &Auth{}
	}
	mux.HandleFunc("/api/login", auth.HandleLogin)
	mux.HandleFunc("/api/logout", auth.HandleLogout)

	return auth.Middleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	log := logf.FromContext(ctx).WithName("api-server")

	addr := ":" + s.Port
	if s.Port == "" {
		addr = ":8082"
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	log.Info("Starting API server", "addr", addr, "auth", s.Auth.enabled())

	go func() {
		<-ctx.Done()
		log.Info("Shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

func (s *Server) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

func (s *Server) handleClusterInfo(w http.ResponseWriter, r *http.Request) {
	if s.K8sClient == nil {
		http.Error(w, "cluster discovery unavailable", http.StatusServiceUnavailable)
		return
	}

	version, err := s.K8sClient.Discovery().ServerVersion()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"version":  version.GitVersion,
		"platform": version.Platform,
	})
}

func (s *Server) handleBusinessHours(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Calculator.Classify(s.now()))
}

func (s *Server) handleProtectedNamespaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Protected.List())
}

// NamespaceStatus is the answer of GET /api/namespaces/{ns}.
type NamespaceStatus struct {
	Name      string               `json:"name"`
	Protected bool                 `json:"protected"`
	Active    bool                 `json:"active"`
	Activity  map[string]bool      `json:"activity"`
	Phase     scaling.Phase        `json:"phase"`
	Resources []inspector.Resource `json:"resources"`
	Usage     *inspector.Usage     `json:"usage,omitempty"`
}

func (s *Server) handleNamespaceStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ns := r.PathValue("ns")

	exists, err := s.Inspector.NamespaceExists(ctx, ns)
	if err != nil {
		writeError(w, reason.Wrap(reason.CodeCount, err, "could not verify namespace %q", ns))
		return
	}
	if !exists {
		writeError(w, reason.New(reason.CodeNamespaceNotFound, "namespace %q not found", ns))
		return
	}

	activity, err := s.Inspector.Activity(ctx, ns)
	if err != nil {
		writeError(w, reason.Wrap(reason.CodeCount, err, "could not inspect namespace %q", ns))
		return
	}
	resources, err := s.Inspector.ListScalableResources(ctx, ns)
	if err != nil {
		writeError(w, reason.Wrap(reason.CodeCount, err, "could not list workloads of namespace %q", ns))
		return
	}

	status := NamespaceStatus{
		Name:      ns,
		Protected: s.Protected.Contains(ns),
		Activity:  activity,
		Phase:     scaling.ComputePhase(resources),
		Resources: resources,
	}
	for _, active := range activity {
		status.Active = status.Active || active
	}

	usage, err := inspector.NamespaceUsage(ctx, s.MetricsClient, ns)
	if err != nil {
		logf.FromContext(ctx).V(1).Info("Namespace usage unavailable", "namespace", ns, "error", err.Error())
	}
	status.Usage = usage

	writeJSON(w, http.StatusOK, status)
}

type operationBody struct {
	CostCenter  string `json:"costCenter" validate:"required,max=128"`
	RequestedBy string `json:"requestedBy" validate:"max=256"`
	Replicas    *int32 `json:"replicas,omitempty"`
}

func (s *Server) decodeOperation(w http.ResponseWriter, r *http.Request) (operationBody, bool) {
	var body operationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, reason.Wrap(reason.CodeValidation, err, "invalid request body"))
		return body, false
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, reason.Wrap(reason.CodeValidation, err, "invalid request"))
		return body, false
	}
	if body.RequestedBy == "" {
		body.RequestedBy = r.Header.Get("X-Requested-By")
	}
	if body.RequestedBy == "" {
		body.RequestedBy = "api"
	}
	return body, true
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeOperation(w, r)
	if !ok {
		return
	}
	writeOperation(w, s.Lifecycle.Activate(r.Context(), r.PathValue("ns"), body.CostCenter, body.RequestedBy))
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeOperation(w, r)
	if !ok {
		return
	}
	writeOperation(w, s.Lifecycle.Deactivate(r.Context(), r.PathValue("ns"), body.CostCenter, body.RequestedBy))
}

func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeOperation(w, r)
	if !ok {
		return
	}
	if body.Replicas == nil {
		writeError(w, reason.New(reason.CodeValidation, "replicas is required"))
		return
	}
	writeOperation(w, s.Lifecycle.RunCommand(r.Context(), r.PathValue("ns"), body.CostCenter, body.RequestedBy, *body.Replicas))
}

func (s *Server) handleCostCenters(w http.ResponseWriter, r *http.Request) {
	perms, err := s.Permissions.ListPermissions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, perms)
}

func (s *Server) handleGetPermission(w http.ResponseWriter, r *http.Request) {
	p, err := s.Permissions.GetPermission(r.Context(), r.PathValue("cc"))
	if err != nil {
		writePermissionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutPermission(w http.ResponseWriter, r *http.Request) {
	var p costcenter.Permission
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, reason.Wrap(reason.CodeValidation, err, "invalid request body"))
		return
	}
	p.CostCenter = r.PathValue("cc")

	saved, err := s.Permissions.SetPermission(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeletePermission(w http.ResponseWriter, r *http.Request) {
	if err := s.Permissions.DeletePermission(r.Context(), r.PathValue("cc")); err != nil {
		writePermissionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Namespace:   q.Get("namespace"),
		CostCenter:  q.Get("cost_center"),
		Cluster:     q.Get("cluster"),
		RequestedBy: q.Get("requested_by"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, reason.New(reason.CodeValidation, "limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}

	records, err := s.Audit.Query(r.Context(), f)
	if err != nil {
		writeError(w, reason.Wrap(reason.CodeInternal, err, "query audit records"))
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error      string                 `json:"error"`
	ReasonCode reason.Code            `json:"reasonCode"`
	Severity   reason.Severity        `json:"severity"`
	Retryable  bool                   `json:"retryable"`
	Hint       string                 `json:"hint,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

func newErrorBody(err error) errorBody {
	code := reason.CodeOf(err)
	body := errorBody{
		Error:      err.Error(),
		ReasonCode: code,
		Severity:   code.Severity(),
		Retryable:  code.Retryable(),
		Hint:       code.Hint(),
	}
	var rerr *reason.Error
	if errors.As(err, &rerr) {
		body.Error = rerr.Message
		body.Details = rerr.Details
	}
	return body
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, reason.CodeOf(err).HTTPStatus(), newErrorBody(err))
}

// writePermissionError answers 404 for a missing record, which the Manager
// reports as an authorization error.
func writePermissionError(w http.ResponseWriter, err error) {
	if errors.Is(err, costcenter.ErrPermissionNotFound) {
		writeJSON(w, http.StatusNotFound, newErrorBody(err))
		return
	}
	writeError(w, err)
}

type operationResponse struct {
	lifecycle.Response
	Severity  reason.Severity `json:"severity,omitempty"`
	Retryable *bool           `json:"retryable,omitempty"`
	Hint      string          `json:"hint,omitempty"`
}

func writeOperation(w http.ResponseWriter, resp lifecycle.Response) {
	out := operationResponse{Response: resp}
	status := http.StatusOK
	if !resp.Success {
		code := resp.ReasonCode
		retryable := code.Retryable()
		out.Severity = code.Severity()
		out.Retryable = &retryable
		out.Hint = code.Hint()
		status = code.HTTPStatus()
	}
	writeJSON(w, status, out)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logf.Log.Error(err, "Failed to encode response", "type", fmt.Sprintf("%T", v))
	}
}
