package wsgateway

import (
	"log/slog"
	"net/http"

	"module/internal/chatengine"
	"module/internal/commands"
	"module/internal/llmprovider"
	"module/internal/metrics"
	"module/internal/session"
	"module/internal/tooling"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Deps are the process-wide collaborators every accepted connection
// shares: a single LLM client, a single tool/command registry, and the
// baseline configuration new connections start from.
type Deps struct {
	Client       llmprovider.Client
	Tools        *tooling.Registry
	Commands     *commands.Registry
	SystemPrompt string
	Baseline     session.Config
	MaxTurn      int
	Metrics      *metrics.Metrics
	// OutboundBuffer sizes each connection's internal event/outbound
	// channels. Zero uses a sensible default.
	OutboundBuffer int
}

// Server accepts WebSocket upgrades and spins up one Connection per
// socket. Grounded on the teacher's pkg/channels/web.WebChannel.Start,
// generalized from a registered multi-channel bot handler to this
// gateway's single transport.
type Server struct {
	deps Deps
}

// New builds a Server from its shared dependencies.
func New(deps Deps) *Server {
	return &Server{deps: deps}
}

// Handler returns the HTTP handler exposing the WebSocket endpoint (and,
// if Deps.Metrics is set, a /metrics scrape endpoint on the same mux).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics.Handler())
	}
	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	executor := tooling.NewExecutor(s.deps.Tools)

	history := chatengine.NewChatHistory()
	if s.deps.SystemPrompt != "" {
		history.EnsureSystemMessage(s.deps.SystemPrompt)
	}
	engine := chatengine.NewEngine(history, s.deps.Client, s.toolDecls, s.deps.MaxTurn)
	machine := session.NewMachine(engine, s.deps.Commands, executor, s.deps.Baseline, s.deps.Metrics)

	c := newConnection(id, conn, machine, engine, executor, s.deps.Metrics, s.deps.OutboundBuffer)

	slog.Info("connection accepted", "connection_id", id, "remote_addr", r.RemoteAddr)
	if err := c.Run(r.Context()); err != nil {
		slog.Debug("connection ended", "connection_id", id, "error", err)
	}
}

// toolDecls translates the shared tool registry's provider-agnostic
// schemas into the llmprovider.ToolDecl shape every driver expects.
func (s *Server) toolDecls() []llmprovider.ToolDecl {
	schemas := s.deps.Tools.Schemas()
	out := make([]llmprovider.ToolDecl, 0, len(schemas))
	for _, sc := range schemas {
		var required []string
		if req, ok := sc.Parameters["required"].([]string); ok {
			required = req
		}
		// Drivers wrap ToolDecl.Parameters into an object schema themselves,
		// so it carries only the properties map, not the whole schema.
		properties, _ := sc.Parameters["properties"].(map[string]any)
		out = append(out, llmprovider.ToolDecl{
			Name:        sc.Name,
			Description: sc.Description,
			Parameters:  properties,
			Required:    required,
		})
	}
	return out
}
