// Package agents implements the agent catalog (C4): loading the
// `.coven/agents/*.md` files that describe each agent the dispatch agent
// may hand work to, and rendering their prompt and title templates.
package agents

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aymerick/raymond"
	"gopkg.in/yaml.v3"
)

// Arg describes one named argument an agent's prompt template accepts.
type Arg struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

// Frontmatter is the YAML block at the top of an agent file.
type Frontmatter struct {
	Description    string   `yaml:"description"`
	Args           []Arg    `yaml:"args"`
	MaxConcurrency int      `yaml:"max_concurrency"`
	ClaudeArgs     []string `yaml:"claude_args"`
	Title          string   `yaml:"title"`
}

// Def is one loaded agent: its name (derived from the filename), its
// frontmatter, and its prompt template body.
type Def struct {
	Name           string
	Frontmatter    Frontmatter
	PromptTemplate string
}

// ParseFile parses a single agent file's contents. name is the agent's
// name (the filename without its .md extension).
func ParseFile(name, contents string) (*Def, error) {
	fm, body, err := splitFrontmatter(contents)
	if err != nil {
		return nil, fmt.Errorf("parsing agent %q: %w", name, err)
	}
	var front Frontmatter
	if strings.TrimSpace(fm) != "" {
		if err := yaml.Unmarshal([]byte(fm), &front); err != nil {
			return nil, fmt.Errorf("parsing agent %q frontmatter: %w", name, err)
		}
	}
	return &Def{Name: name, Frontmatter: front, PromptTemplate: strings.TrimSpace(body)}, nil
}

// splitFrontmatter separates a "---\n...\n---\nbody" document into its
// YAML frontmatter and body. A document with no frontmatter delimiters is
// treated as having no frontmatter and the whole document as its body.
func splitFrontmatter(contents string) (frontmatter, body string, err error) {
	const delim = "---"
	trimmed := strings.TrimLeft(contents, "\n")
	if !strings.HasPrefix(trimmed, delim) {
		return "", contents, nil
	}
	rest := strings.TrimPrefix(trimmed, delim)
	rest = strings.TrimPrefix(rest, "\n")
	idx := strings.Index(rest, "\n"+delim)
	if idx == -1 {
		return "", "", fmt.Errorf("unterminated frontmatter block")
	}
	frontmatter = rest[:idx]
	body = rest[idx+len("\n"+delim):]
	body = strings.TrimPrefix(body, "\n")
	return frontmatter, body, nil
}

// Load reads and parses one agent file at path.
func Load(path string) (*Def, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent file: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return ParseFile(name, string(data))
}

// LoadAll loads every *.md file in dir, sorted by name. A missing
// directory yields an empty catalog, not an error — a project simply
// hasn't defined any agents yet.
func LoadAll(dir string) ([]*Def, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading agents directory: %w", err)
	}

	var defs []*Def
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		def, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// Render expands the agent's prompt template with the given arguments.
// Missing required arguments produce a single error listing all of them.
func (d *Def) Render(args map[string]string) (string, error) {
	if err := d.checkRequired(args); err != nil {
		return "", err
	}
	ctx := toRenderContext(args)
	out, err := raymond.Render(d.PromptTemplate, ctx)
	if err != nil {
		return "", fmt.Errorf("rendering agent %q prompt: %w", d.Name, err)
	}
	return out, nil
}

// RenderTitle expands the agent's title template, if it has one. Returns
// ("", nil) when the agent defines no title template.
func (d *Def) RenderTitle(args map[string]string) (string, error) {
	if strings.TrimSpace(d.Frontmatter.Title) == "" {
		return "", nil
	}
	ctx := toRenderContext(args)
	out, err := raymond.Render(d.Frontmatter.Title, ctx)
	if err != nil {
		return "", fmt.Errorf("rendering agent %q title: %w", d.Name, err)
	}
	return out, nil
}

func (d *Def) checkRequired(args map[string]string) error {
	var missing []string
	for _, a := range d.Frontmatter.Args {
		if !a.Required {
			continue
		}
		if _, ok := args[a.Name]; !ok {
			missing = append(missing, a.Name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("agent %q missing required args: %s", d.Name, strings.Join(missing, ", "))
	}
	return nil
}

func toRenderContext(args map[string]string) map[string]interface{} {
	ctx := make(map[string]interface{}, len(args))
	for k, v := range args {
		ctx[k] = v
	}
	return ctx
}

// FormatCatalog renders the agent listing used to fill the dispatch
// agent's own {{agent_catalog}} placeholder. The dispatch agent itself is
// excluded from its own catalog. Contrast with
// internal/transition.FormatSystemPrompt, which lists every agent
// including dispatch in the system prompt appended to every session.
func FormatCatalog(defs []*Def) string {
	var lines []string
	for _, d := range defs {
		if d.Name == "dispatch" {
			continue
		}
		lines = append(lines, formatCatalogEntry(d))
	}
	if len(lines) == 0 {
		return "No agents are configured."
	}
	return strings.Join(lines, "\n")
}

func formatCatalogEntry(d *Def) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- %s: %s", d.Name, d.Frontmatter.Description)
	if len(d.Frontmatter.Args) == 0 {
		b.WriteString(" (no args)")
		return b.String()
	}
	var argDescs []string
	for _, a := range d.Frontmatter.Args {
		req := "optional"
		if a.Required {
			req = "required"
		}
		argDescs = append(argDescs, fmt.Sprintf("%s (%s): %s", a.Name, req, a.Description))
	}
	b.WriteString(" args: " + strings.Join(argDescs, "; "))
	return b.String()
}
