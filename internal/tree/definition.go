// Package tree loads the category definition and assembles the category
// tree from canonical records.
package tree

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/feedcat/internal/model"
)

// ErrInvalidDefinition wraps every structural problem in a definition
// other than a cycle.
var ErrInvalidDefinition = eris.New("invalid category definition")

// CycleError reports a node reachable from itself through child edges.
type CycleError struct {
	// Path lists node IDs from the first repeated node back to itself.
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("category cycle: %s", strings.Join(e.Path, " -> "))
}

// LoadDefinition reads and validates a YAML category definition.
func LoadDefinition(path string) (*model.CategoryDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "tree: open definition %s", path)
	}
	defer f.Close() //nolint:errcheck
	return ParseDefinition(f)
}

// ParseDefinition decodes and validates a YAML category definition. Node
// IDs default to the sanitized node name.
func ParseDefinition(r io.Reader) (*model.CategoryDefinition, error) {
	var def model.CategoryDefinition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, eris.Wrap(ErrInvalidDefinition, "decode yaml: "+err.Error())
	}
	for i := range def.Nodes {
		if def.Nodes[i].ID == "" {
			def.Nodes[i].ID = SanitizeID(def.Nodes[i].Name)
		}
	}
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks references and uniqueness, then looks for cycles. A
// cycle is reported as *CycleError.
func Validate(def *model.CategoryDefinition) error {
	if len(def.Roots) == 0 {
		return eris.Wrap(ErrInvalidDefinition, "no root categories")
	}
	for _, m := range def.Markers {
		if !model.IsMarker(m) {
			return eris.Wrapf(ErrInvalidDefinition, "marker %q must start with _", m)
		}
	}

	nodes := make(map[string]*model.CategoryNode, len(def.Nodes))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.ID == "" {
			return eris.Wrapf(ErrInvalidDefinition, "node %d has no id or name", i)
		}
		if _, dup := nodes[n.ID]; dup {
			return eris.Wrapf(ErrInvalidDefinition, "duplicate node id %q", n.ID)
		}
		for _, t := range n.Tags {
			if strings.TrimSpace(t) == "" {
				return eris.Wrapf(ErrInvalidDefinition, "node %q has an empty tag", n.ID)
			}
		}
		nodes[n.ID] = n
	}
	for _, id := range def.Roots {
		if _, ok := nodes[id]; !ok {
			return eris.Wrapf(ErrInvalidDefinition, "unknown root %q", id)
		}
	}
	for _, n := range def.Nodes {
		for _, c := range n.Children {
			if _, ok := nodes[c]; !ok {
				return eris.Wrapf(ErrInvalidDefinition, "node %q references unknown child %q", n.ID, c)
			}
		}
	}
	return findCycle(def, nodes)
}

func findCycle(def *model.CategoryDefinition, nodes map[string]*model.CategoryNode) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(nodes))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			start := 0
			for i, s := range stack {
				if s == id {
					start = i
					break
				}
			}
			path := append(append([]string(nil), stack[start:]...), id)
			return &CycleError{Path: path}
		case done:
			return nil
		}
		state[id] = visiting
		stack = append(stack, id)
		for _, c := range nodes[id].Children {
			if err := visit(c); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, n := range def.Nodes {
		if err := visit(n.ID); err != nil {
			return err
		}
	}
	return nil
}

// IsCycle reports whether err is a *CycleError.
func IsCycle(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}

// Vocabulary derives the closed tag vocabulary from the definition: every
// node tag that is not a marker, plus the declared and referenced markers.
func Vocabulary(def *model.CategoryDefinition) *model.Vocabulary {
	var tags, markers []string
	markers = append(markers, def.Markers...)
	for _, n := range def.Nodes {
		for _, t := range n.Tags {
			if model.IsMarker(t) {
				markers = append(markers, t)
			} else {
				tags = append(tags, t)
			}
		}
	}
	return model.NewVocabulary(tags, markers)
}

var nonIDChars = regexp.MustCompile(`[^a-z0-9]+`)

// SanitizeID turns a display name into a node ID, e.g.
// "Climate & Environment" becomes "climate_environment".
func SanitizeID(name string) string {
	id := nonIDChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	return strings.Trim(id, "_")
}
