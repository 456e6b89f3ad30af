package handler

import (
	"net/http"

	"relay/internal/httputil"
	"relay/internal/plugin"
)

// ManifestHandler serves the plugin manifest at /.well-known/mcp.json.
type ManifestHandler struct {
	plugins *plugin.Registry
}

// NewManifestHandler creates the manifest handler.
func NewManifestHandler(plugins *plugin.Registry) *ManifestHandler {
	return &ManifestHandler{plugins: plugins}
}

// manifestTool is the wire shape of one manifest entry. The x-elicitations
// extension block declares the tool's elicitation keys and their response
// schemas so clients can render elicitation prompts.
type manifestTool struct {
	Name         string                         `json:"name"`
	Description  string                         `json:"description"`
	InputSchema  interface{}                    `json:"inputSchema"`
	Elicitations map[string]manifestElicitation `json:"x-elicitations,omitempty"`
}

type manifestElicitation struct {
	Message string      `json:"message,omitempty"`
	Schema  interface{} `json:"responseSchema"`
}

// Manifest handles GET /.well-known/mcp.json.
func (h *ManifestHandler) Manifest(w http.ResponseWriter, r *http.Request) {
	tools := make([]manifestTool, 0)

	for _, t := range h.plugins.Tools() {
		entry := manifestTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
		if len(t.Elicitations) > 0 {
			entry.Elicitations = make(map[string]manifestElicitation, len(t.Elicitations))
			for key, decl := range t.Elicitations {
				entry.Elicitations[key] = manifestElicitation{
					Message: decl.Message,
					Schema:  decl.Schema,
				}
			}
		}
		tools = append(tools, entry)
	}

	httputil.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"tools": tools,
	})
}
