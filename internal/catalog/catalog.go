// Package catalog holds the detectability catalog: the activities and sensors
// the home can observe. A Catalog is immutable once loaded and safe for
// concurrent use.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// SensorClass is the kind of signal a sensor reports.
type SensorClass string

const (
	ClassMotion  SensorClass = "motion"
	ClassContact SensorClass = "contact"
	ClassPower   SensorClass = "power"
)

// Edge is the signal transition an alias refers to.
type Edge string

const (
	EdgeNone    Edge = ""
	EdgeRising  Edge = "rising"
	EdgeFalling Edge = "falling"
)

// ReferenceKind tells activity references from sensor references.
type ReferenceKind string

const (
	KindActivity ReferenceKind = "activity"
	KindSensor   ReferenceKind = "sensor"
)

var (
	ErrInvalidCatalog = errors.New("invalid catalog")
	ErrUnknownName    = errors.New("not in catalog")
)

// Activity is a detectable resident activity.
type Activity struct {
	Name     string `yaml:"name" json:"name"`
	Location string `yaml:"location" json:"location"`
	// CatchAll marks the fallback activity; it is never matched in free text.
	CatchAll bool `yaml:"catch_all,omitempty" json:"catch_all,omitempty"`
}

// Sensor is a detectable home sensor.
type Sensor struct {
	ID        string      `yaml:"id" json:"id"`
	Class     SensorClass `yaml:"class" json:"class"`
	Location  string      `yaml:"location" json:"location"`
	Aliases   []string    `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	AliasEdge Edge        `yaml:"alias_edge,omitempty" json:"alias_edge,omitempty"`
}

// Reference is a catalog entry found in text or resolved by name.
type Reference struct {
	Kind   ReferenceKind `json:"kind"`
	Name   string        `json:"name"`
	Phrase string        `json:"phrase,omitempty"`
	Edge   Edge          `json:"edge,omitempty"`
}

// ScanResult holds the references found in a text and the text left over
// once they are removed.
type ScanResult struct {
	References []Reference
	Residual   string
}

type phrase struct {
	text string
	ref  Reference
}

// Catalog is the loaded, read-only detectability catalog.
type Catalog struct {
	activities []Activity
	sensors    []Sensor

	activityByKey map[string]int
	sensorByKey   map[string]int
	aliasByKey    map[string]int
	phrases       []phrase
}

type document struct {
	Activities []Activity `yaml:"activities"`
	Sensors    []Sensor   `yaml:"sensors"`
}

// Default returns the catalog of the reference home.
func Default() *Catalog {
	c, err := Load(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog is invalid: %v", err))
	}
	return c
}

// LoadFile reads a catalog from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	c, err := Load(data)
	if err != nil {
		return nil, err
	}
	slog.Info("Catalog loaded", "path", path, "activities", len(c.activities), "sensors", len(c.sensors))
	return c, nil
}

// Load parses and indexes a YAML catalog document.
func Load(data []byte) (*Catalog, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	c := &Catalog{
		activities:    doc.Activities,
		sensors:       doc.Sensors,
		activityByKey: make(map[string]int, len(doc.Activities)),
		sensorByKey:   make(map[string]int, len(doc.Sensors)),
		aliasByKey:    make(map[string]int),
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) index() error {
	if len(c.activities) == 0 && len(c.sensors) == 0 {
		return fmt.Errorf("%w: catalog is empty", ErrInvalidCatalog)
	}
	seenPhrase := make(map[string]string)
	addPhrase := func(text string, ref Reference) error {
		p := Normalize(text)
		if p == "" {
			return fmt.Errorf("%w: empty name for %s %q", ErrInvalidCatalog, ref.Kind, ref.Name)
		}
		if owner, ok := seenPhrase[p]; ok && owner != ref.Name {
			return fmt.Errorf("%w: phrase %q used by both %q and %q", ErrInvalidCatalog, p, owner, ref.Name)
		}
		seenPhrase[p] = ref.Name
		ref.Phrase = p
		c.phrases = append(c.phrases, phrase{text: p, ref: ref})
		return nil
	}

	for i, a := range c.activities {
		k := lookupKey(a.Name)
		if _, dup := c.activityByKey[k]; dup {
			return fmt.Errorf("%w: duplicate activity %q", ErrInvalidCatalog, a.Name)
		}
		c.activityByKey[k] = i
		if a.CatchAll {
			continue
		}
		if err := addPhrase(a.Name, Reference{Kind: KindActivity, Name: a.Name}); err != nil {
			return err
		}
	}

	for i, s := range c.sensors {
		switch s.Class {
		case ClassMotion, ClassContact, ClassPower:
		default:
			return fmt.Errorf("%w: sensor %q has unknown class %q", ErrInvalidCatalog, s.ID, s.Class)
		}
		switch s.AliasEdge {
		case EdgeNone, EdgeRising, EdgeFalling:
		default:
			return fmt.Errorf("%w: sensor %q has unknown alias_edge %q", ErrInvalidCatalog, s.ID, s.AliasEdge)
		}
		k := lookupKey(s.ID)
		if _, dup := c.sensorByKey[k]; dup {
			return fmt.Errorf("%w: duplicate sensor %q", ErrInvalidCatalog, s.ID)
		}
		c.sensorByKey[k] = i
		if err := addPhrase(s.ID, Reference{Kind: KindSensor, Name: s.ID}); err != nil {
			return err
		}
		for _, alias := range s.Aliases {
			ak := lookupKey(alias)
			if _, dup := c.aliasByKey[ak]; dup {
				return fmt.Errorf("%w: duplicate alias %q", ErrInvalidCatalog, alias)
			}
			c.aliasByKey[ak] = i
			if err := addPhrase(alias, Reference{Kind: KindSensor, Name: s.ID, Edge: s.AliasEdge}); err != nil {
				return err
			}
		}
	}

	// Longest phrase first so "cooking dinner" wins over "cooking".
	sort.SliceStable(c.phrases, func(i, j int) bool {
		return len(c.phrases[i].text) > len(c.phrases[j].text)
	})
	return nil
}

// Activity looks up an activity by name, ignoring case.
func (c *Catalog) Activity(name string) (Activity, bool) {
	i, ok := c.activityByKey[lookupKey(name)]
	if !ok {
		return Activity{}, false
	}
	return c.activities[i], true
}

// Sensor looks up a sensor by id or alias, ignoring case. The returned edge
// is the alias edge when name matched an alias.
func (c *Catalog) Sensor(name string) (Sensor, Edge, bool) {
	k := lookupKey(name)
	if i, ok := c.sensorByKey[k]; ok {
		return c.sensors[i], EdgeNone, true
	}
	if i, ok := c.aliasByKey[k]; ok {
		s := c.sensors[i]
		return s, s.AliasEdge, true
	}
	return Sensor{}, EdgeNone, false
}

// Resolve looks up name as an activity, then as a sensor.
func (c *Catalog) Resolve(name string) (Reference, error) {
	if a, ok := c.Activity(name); ok {
		return Reference{Kind: KindActivity, Name: a.Name}, nil
	}
	if s, edge, ok := c.Sensor(name); ok {
		return Reference{Kind: KindSensor, Name: s.ID, Edge: edge}, nil
	}
	return Reference{}, fmt.Errorf("%q: %w", name, ErrUnknownName)
}

// Scan finds every catalog phrase that occurs in text as a whole phrase.
// References are returned in order of appearance, without duplicates.
func (c *Catalog) Scan(text string) ScanResult {
	norm := " " + Normalize(text) + " "
	type hit struct {
		pos int
		ref Reference
	}
	var hits []hit
	for _, p := range c.phrases {
		needle := " " + p.text + " "
		for {
			idx := strings.Index(norm, needle)
			if idx < 0 {
				break
			}
			hits = append(hits, hit{pos: idx, ref: p.ref})
			// Blank the match so shorter phrases cannot match inside it.
			norm = norm[:idx+1] + strings.Repeat("#", len(p.text)) + norm[idx+1+len(p.text):]
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	res := ScanResult{}
	seen := make(map[string]bool)
	for _, h := range hits {
		key := string(h.ref.Kind) + "/" + h.ref.Name + "/" + string(h.ref.Edge)
		if seen[key] {
			continue
		}
		seen[key] = true
		res.References = append(res.References, h.ref)
	}
	res.Residual = strings.Join(strings.Fields(strings.ReplaceAll(norm, "#", "")), " ")
	return res
}

// Activities returns the activities in catalog order.
func (c *Catalog) Activities() []Activity { return slices.Clone(c.activities) }

// Sensors returns the sensors in catalog order.
func (c *Catalog) Sensors() []Sensor {
	out := make([]Sensor, len(c.sensors))
	for i, s := range c.sensors {
		s.Aliases = slices.Clone(s.Aliases)
		out[i] = s
	}
	return out
}

// Normalize lowercases text and reduces every run of non-alphanumeric
// characters to a single space.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := true
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

func lookupKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
