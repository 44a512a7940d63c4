// Package skills loads SKILL.md skill definitions, keeps them current as
// files change, and serves the skill tools of the tool loop.
//
// A skill is a directory holding a SKILL.md file: YAML frontmatter
// followed by the instructions the agent receives when the skill is
// activated.
//
//	---
//	name: deploy
//	description: Ship the current branch
//	tools: [execute_command]
//	linked_secrets: [DEPLOY_TOKEN]
//	requires:
//	  bins: [git]
//	---
//
//	Run {baseDir}/deploy.sh ...
package skills

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// SkillFileName is the manifest looked up in each skill directory.
const SkillFileName = "SKILL.md"

// Requirements gate a skill on its environment.
type Requirements struct {
	// Bins must all be on PATH.
	Bins []string `yaml:"bins"`
	// AnyBins needs at least one entry on PATH.
	AnyBins []string `yaml:"anyBins"`
	Env     []string `yaml:"env"`
}

type Skill struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Tools lists the tools the instructions expect to use. Access is
	// still decided by the tool permission policy.
	Tools         []string     `yaml:"tools"`
	LinkedSecrets []string     `yaml:"linked_secrets"`
	Always        bool         `yaml:"always"`
	OS            []string     `yaml:"os"`
	Requires      Requirements `yaml:"requires"`
	// Disabled in the frontmatter starts the skill disabled.
	Disabled bool `yaml:"disabled"`

	Instructions string `yaml:"-"`
	Enabled      bool   `yaml:"-"`
	Path         string `yaml:"-"`
}

// GateResult reports which requirements of a skill are unmet.
type GateResult struct {
	Passed      bool
	MissingBins []string
	MissingEnv  []string
	WrongOS     bool
}

// ParseSkillMD parses a SKILL.md file. {baseDir} in the instructions is
// replaced by the directory holding the file.
func ParseSkillMD(data []byte, path string) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var s Skill
	if err := yaml.Unmarshal(frontmatter, &s); err != nil {
		return nil, fmt.Errorf("failed to parse frontmatter: %w", err)
	}
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return nil, errors.New("skill missing 'name' in frontmatter")
	}

	s.Path = path
	s.Enabled = !s.Disabled
	s.Instructions = strings.ReplaceAll(string(bytes.TrimSpace(body)), "{baseDir}", filepath.Dir(path))
	return &s, nil
}

func splitFrontmatter(data []byte) (frontmatter, body []byte, err error) {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(data, []byte("---\n")) {
		return nil, nil, errors.New("SKILL.md must start with --- (YAML frontmatter)")
	}
	rest := data[4:]
	end := bytes.Index(rest, []byte("\n---"))
	if end == -1 {
		return nil, nil, errors.New("SKILL.md missing closing --- for frontmatter")
	}
	body = rest[end+4:]
	body = bytes.TrimPrefix(body, []byte("\n"))
	return rest[:end], body, nil
}

// CheckGates evaluates the requirements of s against the current host.
func CheckGates(s *Skill) GateResult {
	res := GateResult{Passed: true}
	if s.Always {
		return res
	}

	if len(s.OS) > 0 {
		current := hostOS()
		found := false
		for _, o := range s.OS {
			if o == current || o == runtime.GOOS {
				found = true
				break
			}
		}
		if !found {
			res.WrongOS = true
			res.Passed = false
		}
	}

	for _, bin := range s.Requires.Bins {
		if !binaryExists(bin) {
			res.MissingBins = append(res.MissingBins, bin)
			res.Passed = false
		}
	}
	if len(s.Requires.AnyBins) > 0 {
		found := false
		for _, bin := range s.Requires.AnyBins {
			if binaryExists(bin) {
				found = true
				break
			}
		}
		if !found {
			res.MissingBins = append(res.MissingBins, s.Requires.AnyBins...)
			res.Passed = false
		}
	}

	for _, name := range s.Requires.Env {
		if _, ok := os.LookupEnv(name); !ok {
			res.MissingEnv = append(res.MissingEnv, name)
			res.Passed = false
		}
	}
	return res
}

// hostOS names the platform the way skill manifests do.
func hostOS() string {
	if runtime.GOOS == "windows" {
		return "win32"
	}
	return runtime.GOOS
}

func binaryExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
