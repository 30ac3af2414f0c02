package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// Kind selects which engine a poller entry runs. Resolved and checked
// once at load time, never dispatched on a raw string afterwards.
type Kind string

const (
	KindArtifacts Kind = "artifacts"
	KindCommits   Kind = "commits"
)

const (
	defaultBranch         = "main"
	defaultInterval       = 3 * time.Minute
	defaultErrorInterval  = time.Minute
	defaultHandoffTimeout = 5 * time.Minute
	defaultCommitHashName = "commit_hash"
	defaultTag            = "untested"
)

type (
	// Pollers is the parsed pollers file.
	Pollers struct {
		Pollers []Poller `yaml:"pollers" validate:"required,min=1,dive"`
	}

	Poller struct {
		Name          string          `yaml:"name" validate:"required"`
		Kind          Kind            `yaml:"kind" validate:"required,oneof=artifacts commits"`
		Repo          string          `yaml:"repo" validate:"required"`
		Branch        string          `yaml:"branch"`
		Interval      Duration        `yaml:"interval"`
		ErrorInterval Duration        `yaml:"error_interval"`
		ListenAddr    string          `yaml:"listen_addr" validate:"omitempty,hostname_port"`
		Artifacts     *ArtifactConfig `yaml:"artifacts"`
		Commits       *CommitConfig   `yaml:"commits"`
	}

	ArtifactConfig struct {
		Patterns       StringList `yaml:"patterns"`
		CommitHashName string     `yaml:"commit_hash_name"`
		DownloadLimit  int        `yaml:"download_limit" validate:"min=0"`
		BodegaURL      string     `yaml:"bodega_url" validate:"required,url"`
		StaggerURL     string     `yaml:"stagger_url" validate:"required,url"`
		Tag            string     `yaml:"tag"`
	}

	CommitConfig struct {
		ArtifactPoller string   `yaml:"artifact_poller" validate:"required"`
		BuildRepo      string   `yaml:"build_repo"`
		DryRun         bool     `yaml:"dry_run"`
		HandoffTimeout Duration `yaml:"handoff_timeout"`
	}

	Duration time.Duration

	StringList []string
)

func LoadPollers(path string) (*Pollers, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pollers file: %w", err)
	}

	var ps Pollers
	if err := yaml.Unmarshal(raw, &ps); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}

	for i := range ps.Pollers {
		ps.Pollers[i].setDefaults()
	}

	if err := ps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pollers file %s: %w", filepath.Base(path), err)
	}

	return &ps, nil
}

func (p *Poller) setDefaults() {
	if p.Branch == "" {
		p.Branch = defaultBranch
	}
	if p.Interval == 0 {
		p.Interval = Duration(defaultInterval)
	}
	if p.ErrorInterval == 0 {
		p.ErrorInterval = Duration(defaultErrorInterval)
	}
	if p.Artifacts != nil {
		if p.Artifacts.CommitHashName == "" {
			p.Artifacts.CommitHashName = defaultCommitHashName
		}
		if p.Artifacts.Tag == "" {
			p.Artifacts.Tag = defaultTag
		}
	}
	if p.Commits != nil {
		if p.Commits.HandoffTimeout == 0 {
			p.Commits.HandoffTimeout = Duration(defaultHandoffTimeout)
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-poller wiring: names
// are unique, each kind carries exactly its own section, and every
// commits poller pairs with an existing artifacts poller.
func (ps *Pollers) Validate() error {
	if err := validate.Struct(ps); err != nil {
		return err
	}

	byName := make(map[string]*Poller, len(ps.Pollers))
	for i := range ps.Pollers {
		p := &ps.Pollers[i]

		if _, ok := byName[p.Name]; ok {
			return fmt.Errorf("duplicate poller name %q", p.Name)
		}
		byName[p.Name] = p

		if _, _, err := splitRepo(p.Repo); err != nil {
			return fmt.Errorf("poller %q: %w", p.Name, err)
		}

		switch p.Kind {
		case KindArtifacts:
			if p.Artifacts == nil {
				return fmt.Errorf("poller %q: missing artifacts section", p.Name)
			}
			if p.Commits != nil {
				return fmt.Errorf("poller %q: commits section not allowed for kind %s", p.Name, p.Kind)
			}
			for _, pat := range p.Artifacts.Patterns {
				if _, err := glob.Compile(pat); err != nil {
					return fmt.Errorf("poller %q: invalid pattern %q: %w", p.Name, pat, err)
				}
			}
		case KindCommits:
			if p.Commits == nil {
				return fmt.Errorf("poller %q: missing commits section", p.Name)
			}
			if p.Artifacts != nil {
				return fmt.Errorf("poller %q: artifacts section not allowed for kind %s", p.Name, p.Kind)
			}
		}
	}

	for i := range ps.Pollers {
		p := &ps.Pollers[i]
		if p.Kind != KindCommits {
			continue
		}

		paired, ok := byName[p.Commits.ArtifactPoller]
		if !ok || paired.Kind != KindArtifacts {
			return fmt.Errorf("poller %q: artifact_poller %q does not name an artifacts poller", p.Name, p.Commits.ArtifactPoller)
		}

		// the dispatch target defaults to the paired build repo
		if p.Commits.BuildRepo == "" {
			p.Commits.BuildRepo = paired.Repo
		}
		if _, _, err := splitRepo(p.Commits.BuildRepo); err != nil {
			return fmt.Errorf("poller %q: build_repo: %w", p.Name, err)
		}
	}

	return nil
}

func (ps *Pollers) Get(name string) (*Poller, error) {
	for i := range ps.Pollers {
		if ps.Pollers[i].Name == name {
			return &ps.Pollers[i], nil
		}
	}
	return nil, fmt.Errorf("no poller named %q", name)
}

func (p *Poller) Owner() string {
	owner, _, _ := splitRepo(p.Repo)
	return owner
}

func (p *Poller) RepoName() string {
	_, name, _ := splitRepo(p.Repo)
	return name
}

func splitRepo(full string) (string, string, error) {
	owner, name, ok := strings.Cut(full, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("repo must be owner/name, got %q", full)
	}
	return owner, name, nil
}

// SplitRepo splits an owner/name pair that already passed validation.
func SplitRepo(full string) (string, string) {
	owner, name, _ := splitRepo(full)
	return owner, name
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {

		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}
