// Package builtin assembles the built-in tool set from configuration.
package builtin

import (
	"fmt"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/config"
	"github.com/haasonsaas/steward/internal/tools/exec"
	"github.com/haasonsaas/steward/internal/tools/files"
	"github.com/haasonsaas/steward/internal/tools/web"
)

// Tools returns the enabled built-in tools in a stable order.
func Tools(cfg config.ToolsConfig) []agent.Tool {
	fileCfg := files.Config{
		Workspace:    cfg.Workspace,
		MaxReadBytes: cfg.Files.MaxReadBytes,
		MaxEntries:   cfg.Files.MaxEntries,
	}
	all := []agent.Tool{
		files.NewReadFileTool(fileCfg),
		files.NewListDirTool(fileCfg),
		files.NewWriteFileTool(fileCfg),
		files.NewEditFileTool(fileCfg),
		files.NewDeleteFileTool(fileCfg),
		exec.NewExecTool(exec.Config{
			Workspace: cfg.Workspace,
			Timeout:   cfg.Exec.Timeout,
			MaxOutput: cfg.Exec.MaxOutput,
			Shell:     cfg.Exec.Shell,
		}),
		web.NewFetchTool(web.Config{
			Timeout:      cfg.Fetch.Timeout,
			MaxChars:     cfg.Fetch.MaxChars,
			AllowPrivate: cfg.Fetch.AllowPrivate,
		}),
	}

	enabled := make([]agent.Tool, 0, len(all))
	for _, tool := range all {
		if cfg.ToolEnabled(tool.Name()) {
			enabled = append(enabled, tool)
		}
	}
	return enabled
}

// Registry builds a registry holding the enabled built-in tools.
func Registry(cfg config.ToolsConfig) (*agent.ToolRegistry, error) {
	registry := agent.NewToolRegistry()
	if err := registry.RegisterAll(Tools(cfg)...); err != nil {
		return nil, fmt.Errorf("register built-in tools: %w", err)
	}
	return registry, nil
}
