// Package adminapi serves the administrative REST API under /api/v1:
// list overview, membership requests, pending confirmations, held
// messages, queue depths and component health. Every request needs a
// bearer API key.
package adminapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/db"
	"github.com/migadu/tidings/logger"
	"github.com/migadu/tidings/mlist"
	"github.com/migadu/tidings/moderator"
	"github.com/migadu/tidings/pending"
	"github.com/migadu/tidings/pkg/health"
	"github.com/migadu/tidings/workflow"
)

type Lists interface {
	All() []*mlist.MailingList
	Get(id string) (*mlist.MailingList, bool)
}

// Workflows is implemented by workflow.Manager.
type Workflows interface {
	Register(ctx context.Context, list *mlist.MailingList, addr, displayName string, opts workflow.Options) (string, string, *mlist.Member, error)
	Unregister(ctx context.Context, list *mlist.MailingList, addr string, opts workflow.Options) (string, string, *mlist.Member, error)
	Confirm(ctx context.Context, token string) (string, string, *mlist.Member, error)
	Discard(ctx context.Context, token string) error
}

// Pendings is implemented by pending.Registry.
type Pendings interface {
	Find(ctx context.Context, f pending.Filter) iter.Seq2[pending.Pending, error]
}

// Moderation is implemented by moderator.Moderator.
type Moderation interface {
	Held(ctx context.Context, list *mlist.MailingList) ([]db.HeldMessage, error)
	HandleMessage(ctx context.Context, list *mlist.MailingList, id int64, action moderator.Action, reason string) error
}

// Queues is implemented by queue.Set.
type Queues interface {
	Depths() (map[string]int, error)
}

// Health is implemented by health.HealthIntegration.
type Health interface {
	Report() health.Report
}

type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	lists        Lists
	roster       mlist.Roster
	workflows    Workflows
	pendings     Pendings
	moderation   Moderation
	queues       Queues
	health       Health
	server       *http.Server
}

type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	Lists        Lists
	Roster       mlist.Roster
	Workflows    Workflows
	Pendings     Pendings
	Moderation   Moderation
	Queues       Queues
	Health       Health // optional
}

func New(options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for the admin API")
	}
	if options.Lists == nil || options.Roster == nil || options.Workflows == nil ||
		options.Pendings == nil || options.Moderation == nil || options.Queues == nil {
		return nil, fmt.Errorf("admin API is missing a dependency")
	}
	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		lists:        options.Lists,
		roster:       options.Roster,
		workflows:    options.Workflows,
		pendings:     options.Pendings,
		moderation:   options.Moderation,
		queues:       options.Queues,
		health:       options.Health,
	}, nil
}

// Start serves the API until ctx is cancelled.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create admin API server: %w", err)
		return
	}
	logger.Info("Admin API: Starting server", "addr", options.Addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("admin API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Admin API: Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Admin API: Error shutting down server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the routed API with its middleware.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	v1 := router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/lists", s.handleListLists).Methods("GET")
	v1.HandleFunc("/lists/{list}/members", s.handleListMembers).Methods("GET")
	v1.HandleFunc("/lists/{list}/members/{email}", s.handleUnsubscribe).Methods("DELETE")
	v1.HandleFunc("/lists/{list}/subscriptions", s.handleSubscribe).Methods("POST")
	v1.HandleFunc("/lists/{list}/requests", s.handleListRequests).Methods("GET")
	v1.HandleFunc("/lists/{list}/held", s.handleListHeld).Methods("GET")
	v1.HandleFunc("/lists/{list}/held/{id}", s.handleModerate).Methods("POST")

	v1.HandleFunc("/confirm/{token}", s.handleConfirm).Methods("POST")
	v1.HandleFunc("/pending/{token}", s.handleDiscard).Methods("DELETE")

	v1.HandleFunc("/queues", s.handleQueues).Methods("GET")
	if s.health != nil {
		v1.HandleFunc("/health", s.handleHealth).Methods("GET")
	}

	return router
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("Admin API: Request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)
		ip := net.ParseIP(clientIP)
		for _, allowed := range s.allowedHosts {
			if allowed == clientIP {
				next.ServeHTTP(w, r)
				return
			}
			if _, cidr, err := net.ParseCIDR(allowed); err == nil && ip != nil && cidr.Contains(ip) {
				next.ServeHTTP(w, r)
				return
			}
		}
		s.writeError(w, http.StatusForbidden, "Host not allowed")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Admin API: Error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps membership and moderation errors to statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, consts.ErrNotFound), errors.Is(err, consts.ErrNotAMember):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, consts.ErrAlreadySubscribed), errors.Is(err, consts.ErrSubscriptionPending):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, consts.ErrMembershipBanned):
		s.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, consts.ErrInvalidAddress), errors.Is(err, consts.ErrNotAWorkflow):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("Admin API: "+what+" failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, what+" failed")
	}
}

// list resolves the {list} path variable, writing a 404 when unknown.
func (s *Server) list(w http.ResponseWriter, r *http.Request) (*mlist.MailingList, bool) {
	l, ok := s.lists.Get(mux.Vars(r)["list"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "List not found")
	}
	return l, ok
}

// Request/Response types

type ListInfo struct {
	ListID               string `json:"list_id"`
	FQDNListname         string `json:"fqdn_listname"`
	DisplayName          string `json:"display_name"`
	Description          string `json:"description,omitempty"`
	SubscriptionPolicy   string `json:"subscription_policy"`
	UnsubscriptionPolicy string `json:"unsubscription_policy"`
	MemberCount          int    `json:"member_count"`
}

type SubscribeRequest struct {
	Email        string `json:"email"`
	DisplayName  string `json:"display_name"`
	PreConfirmed bool   `json:"pre_confirmed"`
	PreApproved  bool   `json:"pre_approved"`
}

type RequestResult struct {
	Token      string        `json:"token,omitempty"`
	TokenOwner string        `json:"token_owner,omitempty"`
	Member     *mlist.Member `json:"member,omitempty"`
}

type ModerationRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

type PendingRequest struct {
	Token    string           `json:"token"`
	Pendable pending.Pendable `json:"pendable"`
}

// Handler functions

func (s *Server) handleListLists(w http.ResponseWriter, r *http.Request) {
	lists := s.lists.All()
	out := make([]ListInfo, 0, len(lists))
	for _, l := range lists {
		members, err := s.roster.Members(r.Context(), l.ListID(), mlist.RoleMember)
		if err != nil {
			s.writeDomainError(w, err, "Listing members")
			return
		}
		out = append(out, ListInfo{
			ListID:               l.ListID(),
			FQDNListname:         l.FQDNListname(),
			DisplayName:          l.GetDisplayName(),
			Description:          l.Description,
			SubscriptionPolicy:   string(l.GetSubscriptionPolicy()),
			UnsubscriptionPolicy: string(l.GetUnsubscriptionPolicy()),
			MemberCount:          len(members),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"lists": out, "total": len(out)})
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	list, ok := s.list(w, r)
	if !ok {
		return
	}
	role := mlist.Role(r.URL.Query().Get("role"))
	switch role {
	case "":
		role = mlist.RoleMember
	case mlist.RoleMember, mlist.RoleOwner, mlist.RoleModerator, mlist.RoleNonmember:
	default:
		s.writeError(w, http.StatusBadRequest, "Unknown role")
		return
	}
	members, err := s.roster.Members(r.Context(), list.ListID(), role)
	if err != nil {
		s.writeDomainError(w, err, "Listing members")
		return
	}
	if members == nil {
		members = []mlist.Member{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"members": members, "total": len(members)})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	list, ok := s.list(w, r)
	if !ok {
		return
	}
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Email == "" {
		s.writeError(w, http.StatusBadRequest, "Email is required")
		return
	}

	opts := workflow.Options{PreConfirmed: req.PreConfirmed, PreApproved: req.PreApproved}
	token, owner, member, err := s.workflows.Register(r.Context(), list, req.Email, req.DisplayName, opts)
	if err != nil {
		s.writeDomainError(w, err, "Subscription")
		return
	}
	s.writeJSON(w, http.StatusAccepted, RequestResult{Token: token, TokenOwner: owner, Member: member})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	list, ok := s.list(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	opts := workflow.Options{
		PreConfirmed: q.Get("pre_confirmed") == "true",
		PreApproved:  q.Get("pre_approved") == "true",
	}
	token, owner, _, err := s.workflows.Unregister(r.Context(), list, mux.Vars(r)["email"], opts)
	if err != nil {
		s.writeDomainError(w, err, "Unsubscription")
		return
	}
	if token == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusAccepted, RequestResult{Token: token, TokenOwner: owner})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	if !pending.IsToken(token) {
		s.writeError(w, http.StatusNotFound, "Token not found")
		return
	}
	next, owner, member, err := s.workflows.Confirm(r.Context(), token)
	if err != nil {
		s.writeDomainError(w, err, "Confirmation")
		return
	}
	s.writeJSON(w, http.StatusOK, RequestResult{Token: next, TokenOwner: owner, Member: member})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if err := s.workflows.Discard(r.Context(), mux.Vars(r)["token"]); err != nil {
		s.writeDomainError(w, err, "Discard")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	list, ok := s.list(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := pending.Filter{
		ListID:     list.ListID(),
		Type:       q.Get("type"),
		TokenOwner: q.Get("token_owner"),
	}
	out := []PendingRequest{}
	for p, err := range s.pendings.Find(r.Context(), filter) {
		if err != nil {
			s.writeDomainError(w, err, "Listing requests")
			return
		}
		out = append(out, PendingRequest{Token: p.Token, Pendable: p.Pendable})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"requests": out, "total": len(out)})
}

func (s *Server) handleListHeld(w http.ResponseWriter, r *http.Request) {
	list, ok := s.list(w, r)
	if !ok {
		return
	}
	held, err := s.moderation.Held(r.Context(), list)
	if err != nil {
		s.writeDomainError(w, err, "Listing held messages")
		return
	}
	if held == nil {
		held = []db.HeldMessage{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"held": held, "total": len(held)})
}

func (s *Server) handleModerate(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	list, ok := s.list(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid message id")
		return
	}
	var req ModerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	action, err := moderator.ParseAction(req.Action)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.moderation.HandleMessage(r.Context(), list, id, action, req.Reason); err != nil {
		s.writeDomainError(w, err, "Moderation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	depths, err := s.queues.Depths()
	if err != nil {
		s.writeDomainError(w, err, "Reading queues")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"queues": depths})
}

// handleHealth answers 503 while a critical component is unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Report()
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}
