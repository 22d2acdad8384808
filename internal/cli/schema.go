package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// agentFrontmatterSchema is the JSON Schema for an agent catalog file's
// YAML frontmatter block (internal/agents.Frontmatter), described as a
// map literal and marshaled on demand rather than generated by
// reflection, matching the teacher's schema command.
var agentFrontmatterSchema = map[string]interface{}{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"title":   "Coven agent frontmatter",
	"type":    "object",
	"properties": map[string]interface{}{
		"description": map[string]interface{}{
			"type":        "string",
			"description": "One-line summary shown in the dispatch agent's catalog.",
		},
		"args": map[string]interface{}{
			"type":        "array",
			"description": "Named arguments this agent's prompt template accepts.",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"name":        map[string]interface{}{"type": "string"},
					"description": map[string]interface{}{"type": "string"},
					"required":    map[string]interface{}{"type": "boolean"},
				},
				"required": []string{"name"},
			},
		},
		"max_concurrency": map[string]interface{}{
			"type":        "integer",
			"minimum":     0,
			"description": "Maximum number of simultaneous runs across the worker fleet. 0 means unlimited.",
		},
		"claude_args": map[string]interface{}{
			"type":        "array",
			"description": "Extra CLI arguments passed through to the agent command for this agent.",
			"items":       map[string]interface{}{"type": "string"},
		},
		"title": map[string]interface{}{
			"type":        "string",
			"description": "Handlebars template rendering a short title for this agent's run.",
		},
	},
	"required": []string{"description"},
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema for an agent catalog file",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(agentFrontmatterSchema); err != nil {
			return fmt.Errorf("encoding schema: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
