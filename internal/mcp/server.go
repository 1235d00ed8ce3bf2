// internal/mcp/server.go

// Package mcp exposes crisis simulations as MCP tools over stdio.
package mcp

import (
	"context"
	"errors"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Corphon/CrisisSimMCP/internal/services"
	"github.com/Corphon/CrisisSimMCP/internal/utils"
)

// Config 服务器标识
type Config struct {
	Name    string
	Version string
}

// Server 包装 SDK server，工具直接调用 SimulationService
type Server struct {
	server      *sdk.Server
	simulations *services.SimulationService
}

// NewServer 创建并注册工具
func NewServer(cfg Config, simulations *services.SimulationService) (*Server, error) {
	if simulations == nil {
		return nil, errors.New("simulation service is required")
	}
	if cfg.Name == "" {
		cfg.Name = "crisissim"
	}

	mcpServer := sdk.NewServer(&sdk.Implementation{
		Name:    cfg.Name,
		Version: cfg.Version,
	}, &sdk.ServerOptions{
		InitializedHandler: func(ctx context.Context, req *sdk.InitializedRequest) {
			utils.GetLogger().Info("MCP client initialized", nil)
		},
	})

	s := &Server{server: mcpServer, simulations: simulations}
	s.registerTools()
	return s, nil
}

// registerTools 注册全部 crisis_* 工具
func (s *Server) registerTools() {
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "crisis_create",
		Description: "Start a new crisis simulation and return its first turn",
	}, s.handleCreate)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "crisis_get",
		Description: "Get the full state of a crisis simulation",
	}, s.handleGet)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "crisis_respond",
		Description: "Submit the player's response for a turn and advance the simulation",
	}, s.handleRespond)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "crisis_list",
		Description: "List crisis simulations",
	}, s.handleList)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "crisis_delete",
		Description: "Delete a crisis simulation",
	}, s.handleDelete)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "crisis_developer_mode",
		Description: "Enable or disable developer mode (LLM prompt/completion logs) for a simulation",
	}, s.handleDeveloperMode)
}

// Run 通过 stdio 运行，直到客户端断开或 ctx 取消
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &sdk.StdioTransport{})
}

// Connect 使用任意 transport，测试中配合 in-memory transport
func (s *Server) Connect(ctx context.Context, t sdk.Transport) (*sdk.ServerSession, error) {
	return s.server.Connect(ctx, t, nil)
}
