// Package replay provides a deterministic TreeSnapshotSource driven by a YAML
// description of an app. It stands in for a device when learning from a
// recorded model and in tests.
package replay

import (
	"fmt"
	"os"
	"sort"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Model describes an app as a set of named screens.
//
//	app_id: com.example.notes
//	app_version: "2.1"
//	start: home
//	screens:
//	  home:
//	    elements:
//	      - {type: Button, text: Settings, clickable: true, goto: settings}
//	      - type: RecyclerView
//	        tag: notes
//	        scrollable: true
//	        page_size: 3
//	        items:
//	          - {type: TextView, text: Groceries, clickable: true, goto: note}
type Model struct {
	AppID      string                `yaml:"app_id"`
	AppVersion string                `yaml:"app_version"`
	Start      string                `yaml:"start"`
	Screens    map[string]ScreenSpec `yaml:"screens"`
}

// ScreenSpec is one screen of a Model.
type ScreenSpec struct {
	// Window overrides the window title reported in snapshots.
	Window   string        `yaml:"window"`
	Elements []ElementSpec `yaml:"elements"`
	// AfterResume is the screen shown once a user completes a login or
	// permission prompt on this screen.
	AfterResume string `yaml:"after_resume"`
	// ForeignApp reports the screen under another package id, as happens
	// when a click opens a system dialog or another app.
	ForeignApp string `yaml:"foreign_app"`
}

// ElementSpec is one element of a screen. Text and Label may contain the
// placeholders {clock} (wall clock time) and {depth} (navigation depth).
type ElementSpec struct {
	Type       string        `yaml:"type"`
	Text       string        `yaml:"text"`
	Label      string        `yaml:"label"`
	Tag        string        `yaml:"tag"`
	Clickable  bool          `yaml:"clickable"`
	Focusable  bool          `yaml:"focusable"`
	Editable   bool          `yaml:"editable"`
	Masked     bool          `yaml:"masked"`
	Scrollable bool          `yaml:"scrollable"`
	Goto       string        `yaml:"goto"`
	Children   []ElementSpec `yaml:"children"`
	// Items are the rows of a scrollable container; only PageSize of them
	// are visible at a time.
	Items    []ElementSpec `yaml:"items"`
	PageSize int           `yaml:"page_size"`
}

// LoadModel reads a model file. A leading "~" is expanded.
func LoadModel(path string) (*Model, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expanding model path %q: %w", path, err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("reading app model: %w", err)
	}
	return ParseModel(data)
}

// ParseModel decodes and validates a model document.
func ParseModel(data []byte) (*Model, error) {
	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing app model: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that every screen reference resolves.
func (m *Model) Validate() error {
	if m.AppID == "" {
		return fmt.Errorf("app model: app_id is required")
	}
	if _, ok := m.Screens[m.Start]; !ok {
		return fmt.Errorf("app model: start screen %q is not defined", m.Start)
	}

	names := make([]string, 0, len(m.Screens))
	for name := range m.Screens {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		screen := m.Screens[name]
		if screen.AfterResume != "" {
			if _, ok := m.Screens[screen.AfterResume]; !ok {
				return fmt.Errorf("app model: screen %q resumes to undefined screen %q", name, screen.AfterResume)
			}
		}
		if err := m.validateElements(name, screen.Elements); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) validateElements(screen string, elements []ElementSpec) error {
	for _, el := range elements {
		if el.Goto != "" {
			if _, ok := m.Screens[el.Goto]; !ok {
				return fmt.Errorf("app model: element %q on %q goes to undefined screen %q", el.Text, screen, el.Goto)
			}
		}
		if len(el.Items) > 0 && !el.Scrollable {
			return fmt.Errorf("app model: element %q on %q has items but is not scrollable", el.Tag, screen)
		}
		if err := m.validateElements(screen, el.Children); err != nil {
			return err
		}
		if err := m.validateElements(screen, el.Items); err != nil {
			return err
		}
	}
	return nil
}
