// Package httpapi serves the read-only autoplay status API and a Prometheus
// text endpoint.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"fleetpilot.ai/internal/autoplay"
	"fleetpilot.ai/internal/persistence/indexdb"
)

// Source is the dispatcher view the API reads from.
type Source interface {
	Statuses() []autoplay.AgentStatus
	Stats() autoplay.Stats
}

// Connection reports the ledger link state.
type Connection interface {
	Connected() bool
}

type Config struct {
	Cluster string
	Source  Source
	// Conn and Index are optional.
	Conn  Connection
	Index *indexdb.SQLiteIndex
}

type healthBody struct {
	Status    string `json:"status" example:"ok"`
	Connected bool   `json:"connected"`
	Active    int    `json:"active"`
}

type agentsBody struct {
	Cluster string                 `json:"cluster"`
	Stats   autoplay.Stats         `json:"stats"`
	Agents  []autoplay.AgentStatus `json:"agents"`
}

// New returns the router. /metrics is served outside the OpenAPI surface.
func New(cfg Config) (http.Handler, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("httpapi: nil source")
	}
	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("fleetpilot autoplay", "1.0.0")
	hcfg.OpenAPIPath = "/v1/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)

	registerHealth(api, cfg)
	registerAgents(api, cfg)
	if cfg.Index != nil {
		registerCalls(api, cfg.Index)
	}
	router.Get("/metrics", metricsHandler(cfg))
	return router, nil
}

func registerHealth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/v1/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body healthBody `json:"body"`
	}, error) {
		body := healthBody{Status: "ok", Connected: true, Active: cfg.Source.Stats().Active}
		if cfg.Conn != nil {
			body.Connected = cfg.Conn.Connected()
		}
		if body.Active == 0 {
			body.Status = "degraded"
		}
		return &struct {
			Body healthBody `json:"body"`
		}{Body: body}, nil
	})
}

func registerAgents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/v1/agents",
		Summary:     "List agents with their current operation",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body agentsBody `json:"body"`
	}, error) {
		return &struct {
			Body agentsBody `json:"body"`
		}{Body: agentsBody{Cluster: cfg.Cluster, Stats: cfg.Source.Stats(), Agents: cfg.Source.Statuses()}}, nil
	})

	type agentPath struct {
		EntityID string `path:"entity_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/v1/agents/{entity_id}",
		Summary:     "One agent",
	}, func(ctx context.Context, input *agentPath) (*struct {
		Body autoplay.AgentStatus `json:"body"`
	}, error) {
		for _, s := range cfg.Source.Statuses() {
			if string(s.EntityID) == input.EntityID {
				return &struct {
					Body autoplay.AgentStatus `json:"body"`
				}{Body: s}, nil
			}
		}
		return nil, huma.Error404NotFound(fmt.Sprintf("agent %s not found", input.EntityID))
	})
}

type callView struct {
	Event  string    `json:"event"`
	ReqID  string    `json:"req_id,omitempty"`
	Action string    `json:"action,omitempty"`
	TxRef  string    `json:"tx_ref,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

type callsBody struct {
	EntityID string     `json:"entity_id"`
	Calls    []callView `json:"calls"`
}

func registerCalls(api huma.API, idx *indexdb.SQLiteIndex) {
	type callsInput struct {
		EntityID string `path:"entity_id"`
		Limit    int    `query:"limit" default:"20" minimum:"1" maximum:"500"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-agent-calls",
		Method:      http.MethodGet,
		Path:        "/v1/agents/{entity_id}/calls",
		Summary:     "Recent calls of one agent, newest first",
	}, func(ctx context.Context, input *callsInput) (*struct {
		Body callsBody `json:"body"`
	}, error) {
		rows, err := idx.RecentCalls(ctx, input.EntityID, input.Limit)
		if err != nil {
			return nil, huma.Error500InternalServerError("index query failed", err)
		}
		body := callsBody{EntityID: input.EntityID, Calls: make([]callView, 0, len(rows))}
		for _, r := range rows {
			body.Calls = append(body.Calls, callView{Event: r.Event, ReqID: r.ReqID, Action: r.Action, TxRef: r.TxRef, Error: r.Error, At: r.At})
		}
		return &struct {
			Body callsBody `json:"body"`
		}{Body: body}, nil
	})
}

func metricsHandler(cfg Config) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		st := cfg.Source.Stats()
		c := cfg.Cluster

		fmt.Fprintf(rw, "# HELP fleetpilot_dispatcher_ticks_total Dispatcher ticks.\n")
		fmt.Fprintf(rw, "# TYPE fleetpilot_dispatcher_ticks_total counter\n")
		fmt.Fprintf(rw, "fleetpilot_dispatcher_ticks_total{cluster=%q} %d\n", c, st.Ticks)
		fmt.Fprintf(rw, "# HELP fleetpilot_calls_total Remote calls by outcome.\n")
		fmt.Fprintf(rw, "# TYPE fleetpilot_calls_total counter\n")
		fmt.Fprintf(rw, "fleetpilot_calls_total{cluster=%q,outcome=%q} %d\n", c, "issued", st.Issued)
		fmt.Fprintf(rw, "fleetpilot_calls_total{cluster=%q,outcome=%q} %d\n", c, "completed", st.Completed)
		fmt.Fprintf(rw, "fleetpilot_calls_total{cluster=%q,outcome=%q} %d\n", c, "error", st.Errors)
		fmt.Fprintf(rw, "fleetpilot_calls_total{cluster=%q,outcome=%q} %d\n", c, "dropped", st.Dropped)
		fmt.Fprintf(rw, "# HELP fleetpilot_calls_in_flight Remote calls awaiting a result.\n")
		fmt.Fprintf(rw, "# TYPE fleetpilot_calls_in_flight gauge\n")
		fmt.Fprintf(rw, "fleetpilot_calls_in_flight{cluster=%q} %d\n", c, st.InFlight)
		fmt.Fprintf(rw, "# HELP fleetpilot_agents Agents by liveness.\n")
		fmt.Fprintf(rw, "# TYPE fleetpilot_agents gauge\n")
		fmt.Fprintf(rw, "fleetpilot_agents{cluster=%q,state=%q} %d\n", c, "active", st.Active)
		fmt.Fprintf(rw, "fleetpilot_agents{cluster=%q,state=%q} %d\n", c, "removed", st.Removed)

		fmt.Fprintf(rw, "# HELP fleetpilot_agent_operation Current operation per agent.\n")
		fmt.Fprintf(rw, "# TYPE fleetpilot_agent_operation gauge\n")
		for _, s := range cfg.Source.Statuses() {
			fmt.Fprintf(rw, "fleetpilot_agent_operation{cluster=%q,entity=%q,op=%q} 1\n", c, s.EntityID, s.Operation.Kind)
		}
		fmt.Fprintf(rw, "# HELP fleetpilot_agent_call_errors_total Failed calls per agent.\n")
		fmt.Fprintf(rw, "# TYPE fleetpilot_agent_call_errors_total counter\n")
		for _, s := range cfg.Source.Statuses() {
			fmt.Fprintf(rw, "fleetpilot_agent_call_errors_total{cluster=%q,entity=%q} %d\n", c, s.EntityID, s.Counters.CallErrors)
		}

		if cfg.Conn != nil {
			up := 0
			if cfg.Conn.Connected() {
				up = 1
			}
			fmt.Fprintf(rw, "# HELP fleetpilot_ledger_connected Whether the ledger websocket is up.\n")
			fmt.Fprintf(rw, "# TYPE fleetpilot_ledger_connected gauge\n")
			fmt.Fprintf(rw, "fleetpilot_ledger_connected{cluster=%q} %d\n", c, up)
		}
		if cfg.Index != nil {
			is := cfg.Index.Stats()
			fmt.Fprintf(rw, "# HELP fleetpilot_index_queue_depth Index writer backlog.\n")
			fmt.Fprintf(rw, "# TYPE fleetpilot_index_queue_depth gauge\n")
			fmt.Fprintf(rw, "fleetpilot_index_queue_depth{cluster=%q} %d\n", c, is.QueueDepth)
			fmt.Fprintf(rw, "# HELP fleetpilot_index_dropped_total Records dropped by a full index queue.\n")
			fmt.Fprintf(rw, "# TYPE fleetpilot_index_dropped_total counter\n")
			fmt.Fprintf(rw, "fleetpilot_index_dropped_total{cluster=%q} %d\n", c, is.DropRecordsTotal)
		}
	}
}
