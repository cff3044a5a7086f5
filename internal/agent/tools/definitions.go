package tools

import "github.com/kubilitics/kubilitics-investigator/internal/llm/types"

var allDefinitions = []types.Tool{
	{
		Name:        ToolReadFile,
		Description: "Read a file from the investigation workspace. Paths are relative to the run directory.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{"type": "string", "description": "File path, e.g. analysis/files/sales.csv"},
			},
			"required": []string{"path"},
		},
	},
	{
		Name:        ToolWriteFile,
		Description: "Write a script or artifact into this session's scripts or artifacts directory.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path":    map[string]interface{}{"type": "string", "description": "Destination path under the scripts or artifacts directory"},
				"content": map[string]interface{}{"type": "string", "description": "Full file content"},
			},
			"required": []string{"path", "content"},
		},
	},
	{
		Name:        ToolExecuteShell,
		Description: "Run a shell command in the run directory and return its combined output.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"command": map[string]interface{}{"type": "string", "description": "Command line passed to sh -c"},
			},
			"required": []string{"command"},
		},
	},
	{
		Name:        ToolListFiles,
		Description: "List files below a directory of the investigation workspace.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{"type": "string", "description": "Directory, defaults to the run directory"},
			},
		},
	},
}
