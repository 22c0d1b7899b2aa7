// Package api is the HTTP boundary of the service: it turns client requests
// into route messages on the fabric and answers synchronous queries over the
// RPC channel. It holds no state of its own; everything it reports comes
// from the catalog and monitor workers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nearlinedata/nlds/internal/logger"
	"github.com/nearlinedata/nlds/pkg/auth"
	"github.com/nearlinedata/nlds/pkg/fabric"
	"github.com/nearlinedata/nlds/pkg/message"
	"github.com/nearlinedata/nlds/pkg/metrics"
)

// DefaultBind is the default listen address.
const DefaultBind = ":8000"

// probeTimeLimit bounds each per-queue system status ping; a stage that
// cannot answer quickly is reported down.
const probeTimeLimit = 2 * time.Second

// Config tunes the HTTP boundary.
type Config struct {
	Bind string `mapstructure:"bind"`
	// DefaultTenancy stamps requests that do not name an object store
	// endpoint themselves.
	DefaultTenancy string `mapstructure:"default_tenancy"`
	// RPC configures the synchronous query channel.
	RPC fabric.RPCConfig `mapstructure:"rpc_publisher"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Bind == "" {
		c.Bind = DefaultBind
	}
	c.RPC.ApplyDefaults()
}

// Server is the HTTP front of the message fabric.
type Server struct {
	cfg    Config
	broker *fabric.Broker
	auth   auth.Authenticator
}

// NewServer builds the HTTP boundary.
func NewServer(b *fabric.Broker, authenticator auth.Authenticator, cfg Config) *Server {
	cfg.ApplyDefaults()
	return &Server{cfg: cfg, broker: b, auth: authenticator}
}

// Bind returns the configured listen address.
func (s *Server) Bind() string { return s.cfg.Bind }

// Routes assembles the endpoint tree.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Put("/files", s.putFiles)
	r.Get("/files", s.getFile)
	r.Put("/files/getlist", s.getList)
	r.Put("/files/dellist", s.delList)

	r.Get("/catalog/list", s.rpcToCatalog(fabric.ActionList))
	r.Get("/catalog/find", s.rpcToCatalog(fabric.ActionFind))
	r.Post("/catalog/meta", s.rpcToCatalog(fabric.ActionMeta))
	r.Get("/catalog/quota", s.rpcToCatalog(fabric.ActionQuota))
	r.Get("/status", s.stat)
	r.Get("/system/status", s.systemStatus)

	r.Handle("/metrics", metrics.Handler())
	return r
}

// ListenAndServe blocks serving HTTP until the server fails or ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Bind, Handler: s.Routes()}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	logger.Info("api server listening", "bind", s.cfg.Bind)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// listBody is the optional JSON body of the list endpoints.
type listBody struct {
	FileList  []string          `json:"filelist"`
	Label     string            `json:"label"`
	HoldingID uint              `json:"holding_id"`
	Tag       map[string]string `json:"tag"`
}

// request assembles the message envelope from the query string, the optional
// body and the authenticated principal.
func (s *Server) request(r *http.Request, action string) (*message.Message, int, error) {
	q := r.URL.Query()
	user := q.Get("user")
	group := q.Get("group")
	if user == "" || group == "" {
		return nil, http.StatusBadRequest, errors.New("user and group are required")
	}
	if token := q.Get("token"); token != "" {
		if _, err := s.auth.AuthenticateToken(r.Context(), token); err != nil {
			return nil, http.StatusUnauthorized, err
		}
	}
	if ok, err := s.auth.AuthenticateUser(r.Context(), user); err != nil || !ok {
		return nil, http.StatusForbidden, errors.New("unknown user")
	}
	if ok, err := s.auth.AuthenticateGroup(r.Context(), user, group); err != nil || !ok {
		return nil, http.StatusForbidden, errors.New("user is not a member of group")
	}

	m := &message.Message{}
	m.Details.TransactionID = q.Get("transaction_id")
	if m.Details.TransactionID == "" {
		m.Details.TransactionID = uuid.NewString()
	}
	m.Details.User = user
	m.Details.Group = group
	m.Details.GroupAll = q.Get("groupall") == "true"
	m.Details.Target = q.Get("target")
	m.Details.Tenancy = q.Get("tenancy")
	if m.Details.Tenancy == "" {
		m.Details.Tenancy = s.cfg.DefaultTenancy
	}
	m.Details.AccessKey = q.Get("access_key")
	m.Details.SecretKey = q.Get("secret_key")
	m.Details.JobLabel = q.Get("job_label")
	m.Details.APIAction = action
	m.Details.State = message.StateInitialising

	m.Meta.Label = q.Get("label")

	if fp := q.Get("filepath"); fp != "" {
		m.Data.FileList = append(m.Data.FileList, message.PathDetails{OriginalPath: fp})
	}
	if r.Body != nil && r.ContentLength != 0 {
		var body listBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, http.StatusBadRequest, err
		}
		for _, p := range body.FileList {
			m.Data.FileList = append(m.Data.FileList, message.PathDetails{OriginalPath: p})
		}
		if body.Label != "" {
			m.Meta.Label = body.Label
		}
		m.Meta.HoldingID = body.HoldingID
		m.Meta.Tags = body.Tag
	}
	return m, 0, nil
}

// submit publishes the request onto route.<action> and acknowledges with the
// transaction id the client polls on.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, action string) {
	m, status, err := s.request(r, action)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	if len(m.Data.FileList) == 0 && m.Meta.Label == "" && m.Meta.HoldingID == 0 {
		http.Error(w, "no filelist, label or holding id given", http.StatusBadRequest)
		return
	}
	body, err := m.Marshal()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.broker.Publish(fabric.Key(fabric.Root, fabric.WorkerRoute, action), body); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"transaction_id": m.Details.TransactionID,
		"user":           m.Details.User,
		"group":          m.Details.Group,
		"api_action":     action,
	})
}

func (s *Server) putFiles(w http.ResponseWriter, r *http.Request) {
	action := fabric.ActionPutList
	if r.URL.Query().Get("filepath") != "" && r.ContentLength == 0 {
		action = fabric.ActionPut
	}
	s.submit(w, r, action)
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, fabric.ActionGet)
}

func (s *Server) getList(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, fabric.ActionGetList)
}

func (s *Server) delList(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, fabric.ActionDelList)
}

// rpcToCatalog runs a synchronous catalog query and relays the JSON reply.
func (s *Server) rpcToCatalog(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, status, err := s.request(r, action)
		if err != nil {
			http.Error(w, err.Error(), status)
			return
		}
		s.relayRPC(w, r, fabric.Key(fabric.Root, fabric.WorkerCatalogGet, fabric.StateStart), m)
	}
}

// stat queries the monitor. The addressed transaction rides in Meta so the
// request's own correlation block stays untouched.
func (s *Server) stat(w http.ResponseWriter, r *http.Request) {
	m, status, err := s.request(r, fabric.ActionStat)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	q := r.URL.Query()
	m.Meta.TransactionID = q.Get("transaction_id")
	m.Meta.SubID = q.Get("sub_id")
	m.Meta.APIAction = q.Get("api_action")
	m.Details.JobLabel = q.Get("job_label")
	if v := q.Get("state"); v != "" {
		var st message.State
		if err := json.Unmarshal([]byte(v), &st); err != nil {
			http.Error(w, "state must be numeric", http.StatusBadRequest)
			return
		}
		m.Meta.State = &st
	}
	s.relayRPC(w, r, fabric.Key(fabric.Root, fabric.WorkerMonitorGet, fabric.StateStart), m)
}

func (s *Server) relayRPC(w http.ResponseWriter, r *http.Request, key string, m *message.Message) {
	body, err := m.Marshal()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	reply, err := s.broker.Call(r.Context(), key, body, s.cfg.RPC)
	if err != nil {
		if errors.Is(err, fabric.ErrRPCTimeout) {
			http.Error(w, "query timed out", http.StatusGatewayTimeout)
			return
		}
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(reply)
}

// statusProbes maps each stage to a routing key that reaches its queue. The
// probe carries api_action=system_stat, which every consumer answers before
// doing any work.
var statusProbes = map[string]string{
	"nlds_q":         fabric.Key(fabric.Root, fabric.WorkerRoute, fabric.ActionPut),
	"index_q":        fabric.Key(fabric.Root, fabric.WorkerIndex, fabric.StateInit),
	"catalog_q":      fabric.Key(fabric.Root, fabric.WorkerCatalogGet, fabric.StateStart),
	"transfer_put_q": fabric.Key(fabric.Root, fabric.WorkerTransferPut, fabric.StateInit),
	"transfer_get_q": fabric.Key(fabric.Root, fabric.WorkerTransferGet, fabric.StateInit),
	"archive_put_q":  fabric.Key(fabric.Root, fabric.WorkerArchivePut, fabric.StateInit),
	"archive_get_q":  fabric.Key(fabric.Root, fabric.WorkerArchiveGet, fabric.StatePrepare),
	"monitor_q":      fabric.Key(fabric.Root, fabric.WorkerMonitorGet, fabric.StateStart),
}

// systemStatus fans a system_stat probe out to every stage queue and
// aggregates the replies.
func (s *Server) systemStatus(w http.ResponseWriter, r *http.Request) {
	m := &message.Message{}
	m.Details.TransactionID = uuid.NewString()
	m.Details.User = "system"
	m.Details.Group = "system"
	m.Details.APIAction = fabric.ActionSystemStat
	body, err := m.Marshal()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	probeCfg := fabric.RPCConfig{TimeLimit: probeTimeLimit}
	queues := make(map[string]any, len(statusProbes))
	alive := 0
	for queue, key := range statusProbes {
		reply, err := s.broker.Call(r.Context(), key, body, probeCfg)
		if err != nil {
			queues[queue] = map[string]string{"status": "down", "error": err.Error()}
			continue
		}
		var stat map[string]any
		if err := json.Unmarshal(reply, &stat); err != nil {
			queues[queue] = map[string]string{"status": "down", "error": "unreadable reply"}
			continue
		}
		stat["status"] = "up"
		queues[queue] = stat
		alive++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queues": queues,
		"alive":  alive,
		"total":  len(statusProbes),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
