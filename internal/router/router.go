// Package router mounts every HTTP endpoint under /api/v1.
package router

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/filmgen/backend/internal/auth"
	"github.com/filmgen/backend/internal/dashboard"
	"github.com/filmgen/backend/internal/handlers"
	"github.com/filmgen/backend/internal/jobs"
	"github.com/filmgen/backend/internal/middleware"
	"github.com/filmgen/backend/internal/projects"
	"github.com/filmgen/backend/internal/registry"
)

const base = "/api/v1"

// Handlers groups the endpoint handlers the router mounts.
type Handlers struct {
	Auth      *auth.Handler
	Dashboard *dashboard.Handler
	Projects  *projects.Handler
	Jobs      *jobs.Handler
	Approvals *handlers.ApprovalHandler
	Registry  *registry.Handler
}

// New returns the API handler. Tokens authenticates every route except
// register, login, the payment webhook, health and metrics; project reads accept a missing token.
// limiter may be nil.
func New(h Handlers, tokens middleware.TokenValidator, limiter *middleware.RateLimiter, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	wrap := func(auth func(http.Handler) http.Handler, fn http.HandlerFunc) http.Handler {
		var next http.Handler = fn
		if limiter != nil {
			next = limiter.Middleware(next)
		}
		return auth(next)
	}
	mount := func(auth func(http.Handler) http.Handler) func(string, http.HandlerFunc) {
		return func(pattern string, fn http.HandlerFunc) {
			method, path, _ := strings.Cut(pattern, " ")
			mux.Handle(method+" "+base+path, wrap(auth, fn))
		}
	}
	handle := mount(middleware.Auth(tokens))
	// Reads of public projects are open to anonymous callers.
	view := mount(middleware.OptionalAuth(tokens))

	mux.HandleFunc("GET /health", health)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST "+base+"/auth/register", h.Auth.Register)
	mux.HandleFunc("POST "+base+"/auth/login", h.Auth.Login)
	// Signed by the payment provider, not by a user token.
	mux.HandleFunc("POST "+base+"/payments/webhook", h.Dashboard.PaymentWebhook)

	// Account
	handle("GET /account/me", h.Dashboard.GetMe)
	handle("GET /credit-ledger", h.Dashboard.ListCreditLedger)
	handle("POST /credits/check", h.Dashboard.CheckCredits)
	handle("GET /notifications", h.Dashboard.ListNotifications)
	handle("POST /notifications/read-all", h.Dashboard.MarkAllRead)
	handle("POST /notifications/{id}/read", h.Dashboard.MarkRead)

	// Providers and personal keys
	handle("GET /providers", h.Registry.ListProviders)
	handle("GET /account/provider-keys", h.Registry.ListKeys)
	handle("PUT /account/provider-keys/{provider}", h.Registry.SetKey)
	handle("DELETE /account/provider-keys/{provider}", h.Registry.DeleteKey)

	// Projects
	handle("POST /projects", h.Projects.Create)
	view("GET /projects/{id}", h.Projects.Get)
	view("GET /projects/{id}/role", h.Projects.Role)
	handle("PUT /projects/{id}/model-config", h.Projects.UpdateModelConfig)
	handle("GET /projects/{id}/members", h.Projects.ListMembers)
	handle("POST /projects/{id}/members", h.Projects.AddMember)
	handle("DELETE /projects/{id}/members/{userId}", h.Projects.RemoveMember)
	view("GET /projects/{id}/scenes", h.Projects.ListScenes)
	handle("POST /projects/{id}/scenes", h.Projects.AddScene)
	handle("PUT /projects/{id}/scenes/order", h.Projects.ReorderScenes)
	handle("DELETE /projects/{id}/scenes/{sceneId}", h.Projects.DeleteScene)

	// Generation
	handle("POST /projects/{id}/generations", h.Jobs.Create)
	handle("POST /projects/{id}/generations/batch", h.Jobs.CreateBatch)
	handle("GET /projects/{id}/generations", h.Jobs.List)
	handle("POST /projects/{id}/compositions", h.Jobs.Compose)
	handle("GET /generations/{id}", h.Jobs.Get)

	// Approvals
	a := h.Approvals
	handle("GET /projects/{id}/requests", a.ListPending)
	handle("GET /requests/mine", a.ListMine)
	handle("POST /projects/{id}/deletion-requests", a.RequestDeletion)
	handle("POST /deletion-requests/{id}/approve", a.ApproveDeletion)
	handle("POST /deletion-requests/{id}/reject", a.RejectDeletion)
	handle("POST /projects/{id}/regeneration-requests", a.RequestRegeneration)
	handle("POST /regeneration-requests/{id}/approve", a.ApproveRegeneration)
	handle("POST /regeneration-requests/{id}/reject", a.RejectRegeneration)
	handle("POST /regeneration-requests/{id}/retry", a.RetryRegeneration)
	handle("POST /regeneration-requests/{id}/select", a.SelectOutput)
	handle("POST /regeneration-batches/{batchId}/approve", a.ApproveBatch)
	handle("POST /regeneration-batches/{batchId}/reject", a.RejectBatch)
	handle("POST /projects/{id}/prompt-edit-requests", a.RequestPromptEdit)
	handle("POST /prompt-edit-requests/{id}/approve", a.ApprovePromptEdit)
	handle("POST /prompt-edit-requests/{id}/reject", a.RejectPromptEdit)

	return middleware.Metrics(middleware.Recover(log)(mux))
}

func health(w http.ResponseWriter, _ *http.Request) {
	handlers.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
