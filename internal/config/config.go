package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"stateline/internal/engine"
)

// Config models stateline.yml: per-entity-type workflow declarations plus
// the RBAC role catalog. All of it is validated exhaustively at load so a
// broken declaration fails at startup, not mid-transition.
type Config struct {
	Workflows map[string]Workflow `yaml:"workflows"`
	RBAC      struct {
		Roles map[string]Role `yaml:"roles"`
	} `yaml:"rbac"`
}

// Workflow declares one entity type's state graph and edge permissions.
// States maps each state to its legal next states; a state with an empty
// list is terminal. Permissions keys are "from>to" edges; the listed
// capabilities are ANDed. UnlistedEdges must be "allow" or "deny" and
// decides edges carrying no capability list.
type Workflow struct {
	Initial       string              `yaml:"initial"`
	UnlistedEdges string              `yaml:"unlisted_edges"`
	States        map[string][]string `yaml:"states"`
	Permissions   map[string][]string `yaml:"permissions"`
}

type Role struct {
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Workflows) == 0 {
		return fmt.Errorf("config.workflows is required")
	}
	for name, wf := range c.Workflows {
		if err := wf.validate(); err != nil {
			return fmt.Errorf("workflow %s: %w", name, err)
		}
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, capability := range role.Capabilities {
			if capability == "" {
				return fmt.Errorf("role %s has empty capability", roleID)
			}
		}
	}
	return nil
}

func (w Workflow) validate() error {
	if len(w.States) == 0 {
		return fmt.Errorf("states are required")
	}
	if w.Initial == "" {
		return fmt.Errorf("initial state is required")
	}
	if _, ok := w.States[w.Initial]; !ok {
		return fmt.Errorf("initial state %q is not declared", w.Initial)
	}
	switch w.UnlistedEdges {
	case "allow", "deny":
	case "":
		return fmt.Errorf("unlisted_edges policy is required (allow or deny)")
	default:
		return fmt.Errorf("unlisted_edges must be allow or deny, got %q", w.UnlistedEdges)
	}
	for from, tos := range w.States {
		for _, to := range tos {
			if _, ok := w.States[to]; !ok {
				return fmt.Errorf("transition %s>%s targets undeclared state %q", from, to, to)
			}
		}
	}
	for edge, caps := range w.Permissions {
		from, to, err := parseEdge(edge)
		if err != nil {
			return err
		}
		if !w.hasEdge(from, to) {
			return fmt.Errorf("permission entry %q references undeclared transition", edge)
		}
		if len(caps) == 0 {
			return fmt.Errorf("permission entry %q has no capabilities; remove it or rely on unlisted_edges", edge)
		}
		for _, capability := range caps {
			if capability == "" {
				return fmt.Errorf("permission entry %q has empty capability", edge)
			}
		}
	}
	return nil
}

func (w Workflow) hasEdge(from, to string) bool {
	for _, t := range w.States[from] {
		if t == to {
			return true
		}
	}
	return false
}

func parseEdge(edge string) (from, to string, err error) {
	parts := strings.Split(edge, ">")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("permission key %q must have the form from>to", edge)
	}
	return parts[0], parts[1], nil
}

// Table materializes the engine transition table.
func (w Workflow) Table() (*engine.Table, error) {
	edges := make(map[engine.State][]engine.State, len(w.States))
	for from, tos := range w.States {
		states := make([]engine.State, 0, len(tos))
		for _, to := range tos {
			states = append(states, engine.State(to))
		}
		edges[engine.State(from)] = states
	}
	return engine.NewTable(edges)
}

// Requirements materializes the edge capability map for a capability gate.
func (w Workflow) Requirements() (map[engine.Transition][]string, error) {
	reqs := make(map[engine.Transition][]string, len(w.Permissions))
	for edge, caps := range w.Permissions {
		from, to, err := parseEdge(edge)
		if err != nil {
			return nil, err
		}
		reqs[engine.Transition{From: engine.State(from), To: engine.State(to)}] = append([]string(nil), caps...)
	}
	return reqs, nil
}

// Policy returns the unlisted-edge policy; deny unless explicitly allowed.
func (w Workflow) Policy() engine.UnlistedPolicy {
	if w.UnlistedEdges == "allow" {
		return engine.AllowUnlisted
	}
	return engine.DenyUnlisted
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stateline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run sl init or create it", Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config YAML for sl init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `workflows:
  work_order:
    initial: draft
    # Edges without a permissions entry are open to any authenticated
    # actor. Flip to deny to require every gated edge to be listed.
    unlisted_edges: allow
    states:
      draft: [submitted, canceled]
      submitted: [approved, rejected, canceled]
      approved: [assigned, canceled]
      rejected: [draft]
      assigned: [in_progress]
      in_progress: [completed, on_hold]
      on_hold: [in_progress]
      completed: [closed]
      closed: []
      canceled: []
    permissions:
      "submitted>approved": [work_order.approve]
      "submitted>rejected": [work_order.approve]
      "approved>assigned": [work_order.assign]
      "draft>canceled": [work_order.cancel]
      "submitted>canceled": [work_order.cancel]
      "approved>canceled": [work_order.cancel]
      "completed>closed": [work_order.close]

rbac:
  roles:
    admin:
      description: "Full lifecycle control"
      capabilities:
        - work_order.approve
        - work_order.assign
        - work_order.cancel
        - work_order.close
    approver:
      description: "Reviews and approves submitted work orders"
      capabilities:
        - work_order.approve
    dispatcher:
      description: "Assigns approved work orders to crews"
      capabilities:
        - work_order.assign
    closer:
      description: "Closes completed work orders after billing"
      capabilities:
        - work_order.close
`
