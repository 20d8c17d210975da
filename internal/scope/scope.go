// Package scope decides which repositories are monitored and which
// workspace owns them.
package scope

import (
	"errors"
	"fmt"
	"os"
	"path"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/gitmirror/internal/consumer"
)

var ErrInvalidConfig = errors.New("invalid scope config")

type Workspace struct {
	ID            string   `yaml:"id"`
	Provider      string   `yaml:"provider,omitempty"`
	Organizations []string `yaml:"organizations,omitempty"`
	Repositories  []string `yaml:"repositories,omitempty"`
	Schedule      string   `yaml:"schedule,omitempty"`
}

type Config struct {
	Workspaces []Workspace `yaml:"workspaces"`
	Exclude    []string    `yaml:"exclude,omitempty"`
}

// Scope is an immutable compiled Config.
type Scope struct {
	workspaces []Workspace
	orgs       map[string]string
	repos      map[string]string
	exclude    []string
}

func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

func LoadFile(filename string) (*Scope, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// New compiles cfg. The first workspace listing an organization or
// repository owns it.
func New(cfg Config) (*Scope, error) {
	s := &Scope{
		orgs:  map[string]string{},
		repos: map[string]string{},
	}
	seen := map[string]struct{}{}
	for _, ws := range cfg.Workspaces {
		ws.ID = strings.TrimSpace(ws.ID)
		if ws.ID == "" {
			return nil, fmt.Errorf("%w: workspace without id", ErrInvalidConfig)
		}
		if _, dup := seen[ws.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate workspace %q", ErrInvalidConfig, ws.ID)
		}
		seen[ws.ID] = struct{}{}
		ws.Provider = strings.ToLower(strings.TrimSpace(ws.Provider))
		if ws.Provider == "" {
			ws.Provider = "github"
		}
		for _, org := range ws.Organizations {
			key := normalize(org)
			if key == "" {
				continue
			}
			if _, taken := s.orgs[key]; !taken {
				s.orgs[key] = ws.ID
			}
		}
		for _, repo := range ws.Repositories {
			key := normalize(repo)
			if !strings.Contains(key, "/") {
				return nil, fmt.Errorf("%w: repository %q is not owner/name", ErrInvalidConfig, repo)
			}
			if _, taken := s.repos[key]; !taken {
				s.repos[key] = ws.ID
			}
		}
		s.workspaces = append(s.workspaces, ws)
	}
	for _, pattern := range cfg.Exclude {
		pattern = normalize(pattern)
		if pattern == "" {
			continue
		}
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("%w: exclude pattern %q: %v", ErrInvalidConfig, pattern, err)
		}
		s.exclude = append(s.exclude, pattern)
	}
	return s, nil
}

// Allows reports whether fullName is monitored. It only looks at the
// name and never touches storage.
func (s *Scope) Allows(fullName string) bool {
	if s == nil {
		return false
	}
	key := normalize(fullName)
	owner, _, ok := strings.Cut(key, "/")
	if !ok || owner == "" {
		return false
	}
	if s.excluded(key) {
		return false
	}
	if _, ok := s.repos[key]; ok {
		return true
	}
	_, ok = s.orgs[owner]
	return ok
}

func (s *Scope) TenantForOrganization(login string) (string, bool) {
	if s == nil {
		return "", false
	}
	id, ok := s.orgs[normalize(login)]
	return id, ok
}

func (s *Scope) TenantForRepository(fullName string) (string, bool) {
	if s == nil {
		return "", false
	}
	id, ok := s.repos[normalize(fullName)]
	return id, ok
}

func (s *Scope) Workspaces() []Workspace {
	if s == nil {
		return nil
	}
	out := make([]Workspace, len(s.workspaces))
	copy(out, s.workspaces)
	return out
}

func (s *Scope) Workspace(id string) (Workspace, bool) {
	if s == nil {
		return Workspace{}, false
	}
	for _, ws := range s.workspaces {
		if ws.ID == id {
			return ws, true
		}
	}
	return Workspace{}, false
}

// Subjects returns the stream filter for every monitored repository and
// organization, sorted and deduplicated.
func (s *Scope) Subjects() []string {
	if s == nil {
		return nil
	}
	set := map[string]struct{}{}
	covered := map[string]struct{}{}
	for _, ws := range s.workspaces {
		for _, org := range ws.Organizations {
			if org = strings.TrimSpace(org); org != "" {
				set[consumer.OwnerFilter(ws.Provider, org)] = struct{}{}
				covered[ws.Provider+"/"+normalize(org)] = struct{}{}
			}
		}
	}
	for _, ws := range s.workspaces {
		for _, repo := range ws.Repositories {
			owner, name, ok := strings.Cut(strings.TrimSpace(repo), "/")
			if !ok || s.excluded(normalize(repo)) {
				continue
			}
			if _, ok := covered[ws.Provider+"/"+normalize(owner)]; ok {
				continue
			}
			set[consumer.RepositoryFilter(ws.Provider, owner, name)] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for subject := range set {
		out = append(out, subject)
	}
	sort.Strings(out)
	return out
}

// Equal reports whether both scopes compile from the same workspaces and
// excludes. Any difference may change the subjects, tenants or schedules
// derived from a scope.
func (s *Scope) Equal(other *Scope) bool {
	if s == nil || other == nil {
		return s == other
	}
	return slices.EqualFunc(s.workspaces, other.workspaces, equalWorkspace) &&
		slices.Equal(s.exclude, other.exclude)
}

func equalWorkspace(a, b Workspace) bool {
	return a.ID == b.ID &&
		a.Provider == b.Provider &&
		strings.TrimSpace(a.Schedule) == strings.TrimSpace(b.Schedule) &&
		slices.Equal(a.Organizations, b.Organizations) &&
		slices.Equal(a.Repositories, b.Repositories)
}

func (s *Scope) excluded(key string) bool {
	for _, pattern := range s.exclude {
		if matched, _ := path.Match(pattern, key); matched {
			return true
		}
	}
	return false
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
