package skills

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sipeed/picogate/pkg/logger"
)

const reloadDebounce = 250 * time.Millisecond

// Manager holds the skills found in a list of directories. Directories
// are given in increasing precedence: a skill in a later directory
// replaces a same-named skill from an earlier one.
type Manager struct {
	dirs []string

	mu        sync.RWMutex
	skills    map[string]*Skill
	overrides map[string]bool // enabled state set at runtime, survives reloads
	onChange  func([]*Skill)

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	timer   *time.Timer
}

func NewManager(dirs ...string) *Manager {
	return &Manager{
		dirs:      dirs,
		skills:    make(map[string]*Skill),
		overrides: make(map[string]bool),
	}
}

// LoadAll rescans every directory. Missing directories are skipped and
// unparsable manifests are logged and ignored.
func (m *Manager) LoadAll() error {
	loaded := make(map[string]*Skill)
	for _, dir := range m.dirs {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read skills dir %s: %w", dir, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			path := filepath.Join(dir, e.Name(), SkillFileName)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			s, err := ParseSkillMD(data, path)
			if err != nil {
				logger.WarnCF("skills", "Skipping invalid skill", map[string]any{"path": path, "error": err.Error()})
				continue
			}
			loaded[s.Name] = s
		}
	}

	m.mu.Lock()
	for name, enabled := range m.overrides {
		if s, ok := loaded[name]; ok {
			s.Enabled = enabled
		}
	}
	m.skills = loaded
	m.mu.Unlock()

	logger.InfoCF("skills", "Loaded skills", map[string]any{"count": len(loaded), "dirs": strings.Join(m.dirs, ",")})
	return nil
}

// OnChange registers fn to run after every reload triggered by Watch.
func (m *Manager) OnChange(fn func([]*Skill)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Watch reloads the skills whenever a manifest under one of the
// directories changes, until ctx is done or Stop is called.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.watcher = watcher
	m.cancel = cancel
	m.mu.Unlock()

	for _, dir := range m.dirs {
		watchRecursive(watcher, dir)
	}
	go m.watchLoop(ctx, watcher)
	return nil
}

func watchRecursive(w *fsnotify.Watcher, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := w.Add(path); err != nil {
				logger.DebugCF("skills", "Could not watch directory", map[string]any{"path": path, "error": err.Error()})
			}
		}
		return nil
	})
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.WarnCF("skills", "Watch error", map[string]any{"error": err.Error()})
		}
	}
}

func (m *Manager) handleEvent(w *fsnotify.Watcher, event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			watchRecursive(w, event.Name)
			m.scheduleReload()
			return
		}
	}
	if !strings.EqualFold(filepath.Base(event.Name), SkillFileName) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	logger.DebugCF("skills", "Skill file event", map[string]any{"op": event.Op.String(), "path": event.Name})
	m.scheduleReload()
}

// scheduleReload coalesces bursts of events, such as an editor's
// write-rename sequence, into one reload.
func (m *Manager) scheduleReload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(reloadDebounce, func() {
		if err := m.LoadAll(); err != nil {
			logger.WarnCF("skills", "Skill reload failed", map[string]any{"error": err.Error()})
			return
		}
		m.mu.RLock()
		fn := m.onChange
		m.mu.RUnlock()
		if fn != nil {
			fn(m.List())
		}
	})
}

// Stop ends a Watch.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, watcher := m.cancel, m.watcher
	m.cancel, m.watcher = nil, nil
	if m.timer != nil {
		m.timer.Stop()
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		watcher.Close()
	}
}

// Get returns a copy of the named skill.
func (m *Manager) Get(name string) (Skill, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.skills[name]
	if !ok {
		return Skill{}, false
	}
	return *s, true
}

// List returns copies of every skill sorted by name.
func (m *Manager) List() []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Skill, 0, len(m.skills))
	for _, s := range m.skills {
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetEnabled enables or disables a skill. It reports false for unknown
// skills.
func (m *Manager) SetEnabled(name string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.skills[name]
	if !ok {
		return false
	}
	s.Enabled = enabled
	m.overrides[name] = enabled
	return true
}

// Activate returns the instructions of an enabled skill whose gates
// pass.
func (m *Manager) Activate(name string) (string, error) {
	s, ok := m.Get(name)
	if !ok {
		return "", fmt.Errorf("Skill '%s' not found.", name)
	}
	if !s.Enabled {
		return "", fmt.Errorf("Skill '%s' is disabled.", name)
	}
	if gate := CheckGates(&s); !gate.Passed {
		return "", fmt.Errorf("Skill '%s' cannot be activated: %s", name, describeGate(gate))
	}
	return s.Instructions, nil
}

// PromptContext lists the eligible skills for the system prompt. It is
// empty when no skill is eligible.
func (m *Manager) PromptContext() string {
	var sb strings.Builder
	for _, s := range m.List() {
		if !s.Enabled || !CheckGates(s).Passed {
			continue
		}
		if sb.Len() == 0 {
			sb.WriteString("<available_skills>\n")
		}
		sb.WriteString("  <skill>\n")
		fmt.Fprintf(&sb, "    <name>%s</name>\n", s.Name)
		if s.Description != "" {
			fmt.Fprintf(&sb, "    <description>%s</description>\n", s.Description)
		}
		fmt.Fprintf(&sb, "    <location>%s</location>\n", s.Path)
		sb.WriteString("  </skill>\n")
	}
	if sb.Len() == 0 {
		return ""
	}
	sb.WriteString("</available_skills>\n")
	sb.WriteString("Call skill_activate with a skill name to load its instructions.")
	return sb.String()
}

func describeGate(g GateResult) string {
	var parts []string
	if g.WrongOS {
		parts = append(parts, "unsupported OS")
	}
	if len(g.MissingBins) > 0 {
		parts = append(parts, "missing binaries: "+strings.Join(g.MissingBins, ", "))
	}
	if len(g.MissingEnv) > 0 {
		parts = append(parts, "missing env vars: "+strings.Join(g.MissingEnv, ", "))
	}
	return strings.Join(parts, "; ")
}
