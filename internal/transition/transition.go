// Package transition implements the transition protocol (C5): extracting
// and parsing the `<next>...</next>` block a session's final assistant
// message may contain, and rendering the system-prompt fragment that
// teaches an agent the tag syntax and catalog.
package transition

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/covenhq/coven/internal/agents"
)

// ExtractTagInner returns the inner content of the first <tag>...</tag>
// block found in text, and whether one was found. Shared by every tag
// scanner in the session event loop (transition, fork, reload, break).
func ExtractTagInner(text, tag string) (string, bool) {
	open := "<" + tag + ">"
	close_ := "</" + tag + ">"
	start := strings.Index(text, open)
	if start == -1 {
		return "", false
	}
	rest := text[start+len(open):]
	end := strings.Index(rest, close_)
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// Transition is the decoded content of a <next> block: either Sleep, or a
// request to run a named agent with a set of string arguments.
type Transition struct {
	Sleep bool
	Agent string
	Args  map[string]string
}

// yamlScalarToString converts a YAML scalar node to its string
// representation. Non-scalar values (sequences, mappings, aliases) and
// null scalars are dropped rather than coerced, matching the
// dropped-not-coerced handling of nested structures in an args map.
func yamlScalarToString(node *yaml.Node) (string, bool) {
	if node == nil || node.Kind != yaml.ScalarNode {
		return "", false
	}
	switch node.Tag {
	case "!!null":
		return "", false
	default:
		return node.Value, true
	}
}

// ParseTransition decodes a <next> block body. The body is a flat YAML
// mapping: "sleep: true" means the worker should poll rather than
// dispatch; otherwise it must have an "agent" key, and every other
// scalar key (there is no nested "args:" wrapper) becomes an argument.
// Non-scalar values are dropped, not coerced.
func ParseTransition(body string) (*Transition, error) {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("parsing transition: %w", err)
	}

	if sleepNode, ok := raw["sleep"]; ok {
		if s, ok := yamlScalarToString(&sleepNode); ok && s == "true" {
			return &Transition{Sleep: true}, nil
		}
	}

	agentNode, ok := raw["agent"]
	if !ok {
		return nil, fmt.Errorf("transition must name an agent or set sleep: true")
	}
	agent, ok := yamlScalarToString(&agentNode)
	if !ok || agent == "" {
		return nil, fmt.Errorf("transition must name an agent or set sleep: true")
	}

	args := make(map[string]string, len(raw))
	for k, v := range raw {
		if k == "agent" || k == "sleep" {
			continue
		}
		node := v
		if s, ok := yamlScalarToString(&node); ok {
			args[k] = s
		}
	}
	return &Transition{Agent: agent, Args: args}, nil
}

// FormatSystemPrompt renders the system-prompt fragment appended to every
// session via --append-system-prompt. Unlike agents.FormatCatalog (which
// is used only inside the dispatch agent's own prompt and excludes
// dispatch from its own listing), this lists every agent including
// dispatch: every agent, not just dispatch, may hand off to another.
func FormatSystemPrompt(defs []*agents.Def) string {
	var b strings.Builder
	b.WriteString("# Transition Protocol\n\n")
	b.WriteString("When you are done, or want to hand off to another agent, end your final\n")
	b.WriteString("response (with no tool calls) with a <next> block, e.g.:\n\n")
	b.WriteString("<next>\nagent: build\ntarget: web\n</next>\n\n")
	b.WriteString("To wait instead of dispatching:\n\n")
	b.WriteString("<next>\nsleep: true\n</next>\n\n")
	b.WriteString("Available agents:\n")

	names := make([]string, 0, len(defs))
	byName := make(map[string]*agents.Def, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
		byName[d.Name] = d
	}
	sort.Strings(names)
	if len(names) == 0 {
		b.WriteString("(none configured)\n")
		return b.String()
	}
	for _, n := range names {
		d := byName[n]
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Frontmatter.Description)
	}
	return b.String()
}

// CorrectivePrompt is sent back to a session whose final response failed
// to include a parseable <next> block, giving it one chance to retry.
const CorrectivePrompt = `Your previous response did not include a valid <next> block. ` +
	`Please end your response with either:

<next>
agent: <agent-name>
<key>: <value>
</next>

or

<next>
sleep: true
</next>`
