package skills

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

// ToolPrefix namespaces skill-backed tools in the model's tool catalog.
const ToolPrefix = "skill__"

var slashPattern = regexp.MustCompile(`^/([a-z0-9-]+)(?:\s+(.*))?$`)

// ParseSlashCommand splits "/name args" into its parts.
func ParseSlashCommand(text string) (name, args string, ok bool) {
	m := slashPattern.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// Registry stores skills keyed by name. It is safe for concurrent use;
// directory reloads swap the skillmd subset atomically.
type Registry struct {
	logger *slog.Logger

	mu     sync.RWMutex
	skills map[string]*Skill
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger.With("component", "skills"),
		skills: make(map[string]*Skill),
	}
}

// Register adds or replaces a skill.
func (r *Registry) Register(s *Skill) error {
	if s.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	if err := validateName(s.Name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, exists := r.skills[s.Name]; exists && prev.Source != s.Source {
		r.logger.Warn("skill shadows existing definition",
			"skill", s.Name, "old", prev.Source, "new", s.Source)
	}
	r.skills[s.Name] = s
	return nil
}

// Get looks a skill up by name.
func (r *Registry) Get(name string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// List returns every registered skill sorted by name.
func (r *Registry) List() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResolveCommand returns the skill for a slash command, restricted to
// user-invocable entries.
func (r *Registry) ResolveCommand(name string) (*Skill, bool) {
	s, ok := r.Get(name)
	if !ok || !s.UserInvocable {
		return nil, false
	}
	return s, true
}

// ToolDefinitions exposes every model-invocable content skill as a tool
// taking a single free-form "arguments" string.
func (r *Registry) ToolDefinitions() []models.ToolDefinition {
	var defs []models.ToolDefinition
	for _, s := range r.List() {
		if !s.ContentBased() || s.DisableModelInvocation {
			continue
		}
		defs = append(defs, models.ToolDefinition{
			Name:        ToolPrefix + s.Name,
			Description: s.Description,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"arguments": map[string]any{
						"type":        "string",
						"description": "Free-form arguments for the skill.",
					},
				},
			},
		})
	}
	return defs
}

// ReplaceDirectorySkills swaps the skillmd subset for a freshly loaded
// set, leaving builtins untouched. Used by the directory watcher.
func (r *Registry) ReplaceDirectorySkills(loaded []*Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, s := range r.skills {
		if s.Source == SourceSkillMD {
			delete(r.skills, name)
		}
	}
	for _, s := range loaded {
		r.skills[s.Name] = s
	}
}
