// Package skills loads the workspace skill catalog: one directory per
// skill under <workspace>/skills, each with a SKILL.md whose first
// heading names the skill and whose first paragraph describes it.
package skills

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Skill is one catalog entry.
type Skill struct {
	Name        string
	Description string
	Path        string
}

// Loader scans the skills directory and keeps the catalog fresh via a
// filesystem watcher.
type Loader struct {
	mu     sync.RWMutex
	dir    string
	skills []Skill

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewLoader(dir string) *Loader {
	l := &Loader{dir: dir, done: make(chan struct{})}
	l.reload()
	return l
}

// Watch starts hot reload on directory changes. Safe to skip in tests.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return err
	}
	l.watcher = watcher
	go func() {
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				l.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("skills watcher error", "error", err)
			case <-l.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (l *Loader) Close() {
	close(l.done)
	if l.watcher != nil {
		l.watcher.Close()
	}
}

func (l *Loader) reload() {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("skills dir unreadable", "dir", l.dir, "error", err)
		}
		return
	}
	var skills []Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(l.dir, entry.Name(), "SKILL.md")
		skill, ok := parseSkillFile(path)
		if !ok {
			continue
		}
		if skill.Name == "" {
			skill.Name = entry.Name()
		}
		skills = append(skills, skill)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })

	l.mu.Lock()
	l.skills = skills
	l.mu.Unlock()
	slog.Debug("skills reloaded", "count", len(skills))
}

func parseSkillFile(path string) (Skill, bool) {
	f, err := os.Open(path)
	if err != nil {
		return Skill{}, false
	}
	defer f.Close()

	skill := Skill{Path: path}
	var desc []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if skill.Name == "" && strings.HasPrefix(line, "#") {
			skill.Name = strings.TrimSpace(strings.TrimLeft(line, "#"))
			continue
		}
		if skill.Name != "" {
			if line == "" && len(desc) > 0 {
				break
			}
			if line != "" {
				desc = append(desc, line)
			}
		}
	}
	skill.Description = strings.Join(desc, " ")
	return skill, true
}

// Filter returns the catalog narrowed by an allow-list: nil = all,
// empty = none.
func (l *Loader) Filter(allow []string) []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if allow == nil {
		return append([]Skill(nil), l.skills...)
	}
	allowed := make(map[string]bool, len(allow))
	for _, name := range allow {
		allowed[name] = true
	}
	var out []Skill
	for _, s := range l.skills {
		if allowed[s.Name] {
			out = append(out, s)
		}
	}
	return out
}

// BuildSummary renders the catalog block injected into the system
// prompt.
func (l *Loader) BuildSummary(allow []string) string {
	skills := l.Filter(allow)
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<available_skills>\n")
	for _, s := range skills {
		b.WriteString("  <skill name=\"")
		b.WriteString(s.Name)
		b.WriteString("\">")
		b.WriteString(s.Description)
		b.WriteString("</skill>\n")
	}
	b.WriteString("</available_skills>")
	return b.String()
}
