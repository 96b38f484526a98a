// Package rpcserver exposes the Capabilities/Init/Evaluate surface (spec §6,
// §4.8) as MCP tools over mark3labs/mcp-go, the teacher's declared RPC
// transport dependency. Each tool's argument and result are the same JSON
// shapes defined in api, so a caller that already speaks the wire contract
// needs no MCP-specific translation beyond the tool-call envelope.
package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/csharpref/provider/api"
	"github.com/csharpref/provider/internal/apperr"
	"github.com/csharpref/provider/internal/config"
	"github.com/csharpref/provider/internal/project"
	"github.com/csharpref/provider/internal/query"
)

// Server hosts the three RPC operations as MCP tools against a single
// replaceable active project.
type Server struct {
	slot     *project.Slot
	builder  *project.Builder
	defaults config.Defaults
	mcp      *server.MCPServer
	log      *log.Logger
}

// New builds a Server identifying itself to clients as name, wired to slot
// via builder. defaults fills any tool path or db path an Init request
// leaves blank, so a deployment doesn't have to repeat them on every call.
// Call one of ServeStdio, ServeTCP, or ServeUnix to start accepting requests.
func New(name string, slot *project.Slot, builder *project.Builder, defaults config.Defaults) *Server {
	s := &Server{
		slot:     slot,
		builder:  builder,
		defaults: defaults,
		mcp:      server.NewMCPServer(name, "1.0.0"),
		log:      log.New(os.Stderr, "rpcserver: ", log.LstdFlags),
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcp.AddTool(
		mcp.NewTool("capabilities",
			mcp.WithDescription("Lists the query capabilities this provider supports")),
		s.handleCapabilities,
	)
	s.mcp.AddTool(
		mcp.NewTool("init",
			mcp.WithDescription("Indexes a C# project and publishes it as the active project"),
			mcp.WithString("config", mcp.Required(), mcp.Description("JSON-encoded api.Config"))),
		s.handleInit,
	)
	s.mcp.AddTool(
		mcp.NewTool("evaluate",
			mcp.WithDescription("Runs a structural query against the active project"),
			mcp.WithString("cap", mcp.Required(), mcp.Description("capability name, e.g. \"referenced\"")),
			mcp.WithString("conditionInfo", mcp.Required(), mcp.Description("JSON-encoded api.ConditionInfo"))),
		s.handleEvaluate,
	)
}

// ServeStdio runs the MCP server over stdin/stdout, for process-embedded
// callers that spawn this binary directly.
func (s *Server) ServeStdio(ctx context.Context) error {
	return server.ServeStdio(s.mcp)
}

// ServeTCP runs the MCP server's streamable-HTTP transport bound to addr
// (the --port flag, spec §6).
func (s *Server) ServeTCP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.mcp)
	return httpServer.Start(addr)
}

// ServeUnix runs the MCP server's streamable-HTTP transport over a Unix
// domain socket at path (the --socket flag, spec §6), for callers that
// prefer a filesystem-scoped channel over a TCP port.
func (s *Server) ServeUnix(path string) error {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("rpcserver: listen %s: %w", path, err)
	}
	defer ln.Close()

	httpServer := server.NewStreamableHTTPServer(s.mcp)
	return http.Serve(ln, httpServer)
}

func (s *Server) handleCapabilities(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp := api.CapabilitiesResponse{Capabilities: []api.Capability{{Name: "referenced"}}}
	return jsonResult(resp)
}

func (s *Server) handleInit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	corrID := uuid.NewString()
	s.log.Printf("[%s] init", corrID)

	raw, err := req.RequireString("config")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var cfg api.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return jsonResult(api.InitResponse{Success: false, Error: fmt.Sprintf("bad config json: %v", err)})
	}

	requested := config.Defaults{
		ResolverPath:   cfg.ProviderSpecificConfig.PaketCmd,
		DecompilerPath: cfg.ProviderSpecificConfig.IlspyCmd,
		DBPath:         cfg.ProviderSpecificConfig.DBPath,
	}
	resolved := config.Merge(requested, s.defaults)

	opts := project.Options{
		Root:           cfg.Location,
		Mode:           project.Mode(cfg.AnalysisMode),
		ResolverPath:   resolved.ResolverPath,
		DecompilerPath: resolved.DecompilerPath,
		DBPath:         resolved.DBPath,
		StageRoot:      resolved.StageRoot,
	}

	if err := s.builder.Run(ctx, opts); err != nil {
		s.log.Printf("[%s] init failed for %s: %v", corrID, cfg.Location, err)
		return jsonResult(api.InitResponse{Success: false, Error: err.Error()})
	}
	return jsonResult(api.InitResponse{Success: true})
}

func (s *Server) handleEvaluate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	corrID := uuid.NewString()
	s.log.Printf("[%s] evaluate", corrID)

	capName, err := req.RequireString("cap")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if capName != "referenced" {
		return mcp.NewToolResultError(fmt.Sprintf("unknown capability %q", capName)), nil
	}

	raw, err := req.RequireString("conditionInfo")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var ci api.ConditionInfo
	if err := json.Unmarshal([]byte(raw), &ci); err != nil || ci.Referenced == nil {
		return mcp.NewToolResultError("conditionInfo.referenced is required"), nil
	}

	handle, err := s.slot.Acquire()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	defer handle.Release()

	engine := query.New(handle.Graph(), handle.Cache().Store(), s.log)
	incidents, err := engine.Evaluate(ctx, toQueryCondition(*ci.Referenced))
	if err != nil {
		if err == apperr.ErrBadRegex || err == apperr.ErrBadCondition {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err == apperr.ErrDeadlineExceeded || err == apperr.ErrCancelled {
			s.log.Printf("[%s] evaluate: %v", corrID, err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		return nil, err
	}

	return jsonResult(api.EvaluateResponse{Incidents: toAPIIncidents(incidents)})
}

func toQueryCondition(rc api.ReferencedCondition) query.Condition {
	var filePaths map[string]bool
	if len(rc.FilePaths) > 0 {
		filePaths = make(map[string]bool, len(rc.FilePaths))
		for _, p := range rc.FilePaths {
			filePaths[p] = true
		}
	}
	loc := query.Location(rc.Location)
	if loc == "" {
		loc = query.LocationAll
	}
	return query.Condition{
		Pattern:   rc.Pattern,
		Location:  loc,
		FilePaths: filePaths,
		Source:    query.SourceFilter(rc.Source),
	}
}

func toAPIIncidents(in []query.Incident) []api.Incident {
	out := make([]api.Incident, 0, len(in))
	for _, i := range in {
		vars := map[string]string{"source_type": i.SourceType, "qualified_name": i.QualifiedName}
		if i.OriginArchive != "" {
			vars["origin_archive"] = i.OriginArchive
		}
		out = append(out, api.Incident{
			FileURI:      "file://" + i.FilePath,
			LineNumber:   i.Line,
			ColumnNumber: i.ColumnStart,
			ColumnEnd:    i.ColumnEnd,
			Variables:    vars,
		})
	}
	return out
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
