// Package sandbox loads the read-only sandbox catalog at startup: a set of
// named execution profiles (arch, kernel, distribution), each parsed from
// its own descriptor file.
package sandbox

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Descriptor is one resolved sandbox profile.
type Descriptor struct {
	Name         string `json:"name"`
	Arch         string `json:"arch"`
	Kernel       string `json:"kernel"`
	Distribution string `json:"distribution"`

	// ConfigPath is the descriptor file path as configured in
	// sandboxes_config — the value passed to the executor's --config flag.
	// Not part of the sandbox.json wire format, so it is excluded from JSON.
	ConfigPath string `json:"-"`
}

// ErrUnknown is returned by Lookup for an unrecognized sandbox name. Callers
// on the ingress path treat it as "fall back to the default" rather than
// surfacing it to the user (§4.4 step 4).
var ErrUnknown = fmt.Errorf("sandbox: unknown name")

// Catalog is the read-only, startup-loaded set of sandbox descriptors.
type Catalog struct {
	order       []string
	byName      map[string]Descriptor
	defaultName string
}

type rawDescriptor struct {
	QEMU struct {
		Distribution string `yaml:"distribution"`
		Arch         string `yaml:"arch"`
		Kernel       string `yaml:"kernel"`
	} `yaml:"qemu"`
}

func parseDescriptorFile(name, path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("sandbox: read %s: %w", path, err)
	}
	var raw rawDescriptor
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Descriptor{}, fmt.Errorf("sandbox: parse %s: %w", path, err)
	}
	if raw.QEMU.Distribution == "" || raw.QEMU.Arch == "" || raw.QEMU.Kernel == "" {
		return Descriptor{}, fmt.Errorf("sandbox: %s: qemu.distribution, qemu.arch, and qemu.kernel are all required and non-empty", path)
	}
	return Descriptor{
		Name:         name,
		Arch:         strings.ToLower(raw.QEMU.Arch),
		Kernel:       strings.ToLower(raw.QEMU.Kernel),
		Distribution: strings.ToLower(raw.QEMU.Distribution),
		ConfigPath:   path,
	}, nil
}

// Load parses every descriptor named in paths (name -> descriptor file
// path), validates that defaultName is among them, and returns a Catalog
// with defaultName enumerated first.
//
// Startup fails if defaultName is not a key of paths, any descriptor file
// is missing, or any required field is absent or empty.
func Load(defaultName string, paths map[string]string) (*Catalog, error) {
	if _, ok := paths[defaultName]; !ok {
		return nil, fmt.Errorf("sandbox: default_sandbox_name %q is not among the configured sandboxes", defaultName)
	}

	others := make([]string, 0, len(paths)-1)
	for name := range paths {
		if name != defaultName {
			others = append(others, name)
		}
	}
	sort.Strings(others) // stable, deterministic enumeration order

	order := append([]string{defaultName}, others...)
	byName := make(map[string]Descriptor, len(paths))
	for _, name := range order {
		d, err := parseDescriptorFile(name, paths[name])
		if err != nil {
			return nil, err
		}
		byName[name] = d
	}

	return &Catalog{order: order, byName: byName, defaultName: defaultName}, nil
}

// Lookup returns the descriptor for name, or ErrUnknown if name is not in
// the catalog.
func (c *Catalog) Lookup(name string) (Descriptor, error) {
	d, ok := c.byName[name]
	if !ok {
		return Descriptor{}, ErrUnknown
	}
	return d, nil
}

// Resolve returns the descriptor for name, substituting the default sandbox
// silently when name is empty or unrecognized (§4.4 step 4).
func (c *Catalog) Resolve(name string) Descriptor {
	if d, err := c.Lookup(name); err == nil {
		return d
	}
	return c.byName[c.defaultName]
}

// List returns all descriptors with the default listed first, followed by
// the rest in a stable (alphabetical) order.
func (c *Catalog) List() []Descriptor {
	out := make([]Descriptor, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.byName[name])
	}
	return out
}
