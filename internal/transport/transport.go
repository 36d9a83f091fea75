// Package transport is the thin HTTP binding over internal/node: it
// parses query parameters and bodies into the core's value types,
// calls the corresponding Node method, and renders the result back as
// one of internal/wire's textual encodings. No business logic lives
// here — every decision (causal comparison, forwarding, reshard
// staging) happens in internal/node; this package only adapts it to
// HTTP, the same division of labor the teacher keeps between
// cmd/node's handlers and internal/shard.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/kvmesh/internal/node"
	"github.com/dreamware/kvmesh/internal/rpc"
	"github.com/dreamware/kvmesh/internal/shardscheme"
	"github.com/dreamware/kvmesh/internal/vectorclock"
	"github.com/dreamware/kvmesh/internal/wire"
)

// ForwardTimeout bounds a proxied client request (spec.md §4.5).
const ForwardTimeout = 2 * time.Second

// SchemeVersionHeader carries a WrongSchemeVersion error's version
// number back to the caller, so a client or forwarding layer knows
// which version to wait for before retrying.
const SchemeVersionHeader = "X-Kvmesh-Scheme-Version"

// Server binds a *node.Node to an HTTP mux.
type Server struct {
	n   *node.Node
	log *zap.Logger
}

// New constructs a Server for n. A nil logger defaults to a no-op one.
func New(n *node.Node, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{n: n, log: log}
}

// Handler returns the complete mux this node serves: the client
// surface (GET/PUT/DELETE/HAS), the inter-server surface (directGet,
// shards/*, dataSync/push), and the admin surface (count, info,
// scheme).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /get", s.handleGet)
	mux.HandleFunc("PUT /put", s.handlePut)
	mux.HandleFunc("DELETE /delete", s.handleDelete)
	mux.HandleFunc("GET /has", s.handleHas)

	mux.HandleFunc("GET /directGet", s.handleDirectGet)
	mux.HandleFunc("PATCH /shards/prepare", s.handleShardsPrepare)
	mux.HandleFunc("PATCH /shards/switch", s.handleShardsSwitch)
	mux.HandleFunc("PATCH /shards/move", s.handleShardsMove)
	mux.HandleFunc("PATCH /dataSync/push", s.handleDataSyncPush)

	mux.HandleFunc("GET /admin/count", s.handleAdminCount)
	mux.HandleFunc("GET /admin/info", s.handleAdminInfo)
	mux.HandleFunc("GET /admin/scheme", s.handleAdminScheme)

	return mux
}

func clientClockFromQuery(r *http.Request) (vectorclock.Clock, error) {
	raw := r.URL.Query().Get("clock")
	if raw == "" {
		return vectorclock.New(), nil
	}
	return vectorclock.Parse(raw)
}

// forward proxies r verbatim to addr, relaying the remote status and
// body back to w. This is spec.md §4.5's forwarding contract: keyToNode
// names the owning shard's address, and the transport proxies the
// request unchanged rather than reasoning about it itself.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, addr, body string) {
	resource := strings.TrimPrefix(r.URL.RequestURI(), "/")
	resp, status, err := rpc.Default.Do(r.Context(), r.Method, addr, resource, body, ForwardTimeout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(status)
	fmt.Fprint(w, resp)
}

func writeCoreError(w http.ResponseWriter, log *zap.Logger, err error) {
	var coreErr *node.CoreError
	if !errors.As(err, &coreErr) {
		log.Error("unhandled transport error", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	switch coreErr.Kind {
	case node.KeyNotValid, node.PrepareRefused, node.SwitchRefused, node.BadRequest:
		http.Error(w, coreErr.Error(), http.StatusBadRequest)
	case node.NotFound:
		http.Error(w, coreErr.Error(), http.StatusNotFound)
	case node.MoveRejected:
		http.Error(w, coreErr.Error(), 402)
	case node.WrongSchemeVersion:
		w.Header().Set(SchemeVersionHeader, strconv.Itoa(coreErr.SchemeVersion))
		http.Error(w, coreErr.Error(), http.StatusConflict)
	default:
		http.Error(w, coreErr.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if addr, local := s.n.KeyToNode(key); !local {
		s.forward(w, r, addr, "")
		return
	}

	clock, err := clientClockFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.n.Get(r.Context(), key, clock)
	if err != nil {
		writeCoreError(w, s.log, err)
		return
	}
	if !res.Found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	fmt.Fprint(w, wire.EncodeDataVersion(res.Clock.String(), res.Value))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if addr, local := s.n.KeyToNode(key); !local {
		s.forward(w, r, addr, string(body))
		return
	}

	clock, err := clientClockFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.n.Put(key, string(body), clock)
	if err != nil {
		writeCoreError(w, s.log, err)
		return
	}
	fmt.Fprint(w, res.Clock.String())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if addr, local := s.n.KeyToNode(key); !local {
		s.forward(w, r, addr, "")
		return
	}

	clock, err := clientClockFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.n.Delete(key, clock)
	if err != nil {
		writeCoreError(w, s.log, err)
		return
	}
	fmt.Fprint(w, res.Clock.String())
}

func (s *Server) handleHas(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if addr, local := s.n.KeyToNode(key); !local {
		s.forward(w, r, addr, "")
		return
	}

	clock, err := clientClockFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.n.Has(key, clock)
	if err != nil {
		writeCoreError(w, s.log, err)
		return
	}
	if !res.Exists {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	fmt.Fprint(w, res.Clock.String())
}

func (s *Server) handleDirectGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	dv, schemeVersion, ok := s.n.DirectGet(key)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	fmt.Fprint(w, wire.EncodeDataVersionWithScheme(schemeVersion, dv.Clock.String(), dv.Value))
}

func (s *Server) handleShardsPrepare(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	newScheme, err := shardscheme.Deserialize(string(body), "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.n.ReshardPrepare(newScheme); err != nil {
		writeCoreError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleShardsSwitch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	version, err := strconv.Atoi(string(body))
	if err != nil {
		http.Error(w, "malformed scheme version", http.StatusBadRequest)
		return
	}

	if err := s.n.ReshardSwitch(r.Context(), version); err != nil {
		writeCoreError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleShardsMove(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	version, key, dataVersion, err := wire.DecodeMove(string(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.n.ReshardMove(version, key, dataVersion); err != nil {
		writeCoreError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDataSyncPush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := s.n.SyncData(string(body)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAdminCount(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, strconv.Itoa(s.n.Count()))
}

func (s *Server) handleAdminInfo(w http.ResponseWriter, r *http.Request) {
	v := s.n.View()
	fmt.Fprintf(w, "%d|%d", v.Scheme().Version(), s.n.Count())
}

// handleAdminScheme dumps the node's current ShardScheme, serialised
// the same way shards/prepare carries one. A freshly started kvnode
// process uses this endpoint against a seed address to learn the
// live scheme instead of bootstrapping its own (spec.md §1: cluster
// membership is fixed per scheme version, but a process restart still
// needs to recover which scheme it last ran under).
func (s *Server) handleAdminScheme(w http.ResponseWriter, r *http.Request) {
	v := s.n.View()
	fmt.Fprint(w, shardscheme.Serialize(v.Scheme(), ""))
}
