package plugin

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/dshills/tickler/internal/fsutil"
	"github.com/dshills/tickler/internal/plugin/schema"
)

// Files looked up in a plugin directory. The first existing manifest name wins.
const (
	ManifestJSON   = "plugin.json"
	ManifestYAML   = "plugin.yaml"
	PackageFile    = "package.json"
	DefaultMain    = "init.lua"
	HostEngineName = "tickler"
)

// ManifestFiles lists the accepted manifest file names in lookup order.
var ManifestFiles = []string{ManifestJSON, ManifestYAML, "plugin.yml"}

// Manifest describes a plugin's metadata and requirements.
type Manifest struct {
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	DisplayName string `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Author      string `json:"author,omitempty" yaml:"author,omitempty"`
	License     string `json:"license,omitempty" yaml:"license,omitempty"`
	Homepage    string `json:"homepage,omitempty" yaml:"homepage,omitempty"`

	// Main is the entry file relative to the plugin directory.
	Main string `json:"main" yaml:"main"`

	// Capabilities lists the extension points the plugin declares.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`

	// Engines maps a host name to a semver constraint.
	Engines map[string]string `json:"engines,omitempty" yaml:"engines,omitempty"`

	// DataDir is resolved from a named system path during validation.
	DataDir string `json:"dataDir,omitempty" yaml:"dataDir,omitempty"`
	Icon    string `json:"icon,omitempty" yaml:"icon,omitempty"`

	Priority int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	Config   map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	// File is the manifest path the values were read from.
	File string `json:"-" yaml:"-"`
}

// DeclaredExtensions returns the declared capabilities as a set.
func (m *Manifest) DeclaredExtensions() ExtensionSet {
	return ExtensionSetFromNames(m.Capabilities)
}

// EntryPath returns the absolute path of the entry file inside dir.
func (m *Manifest) EntryPath(dir string) string {
	main := m.Main
	if main == "" {
		main = DefaultMain
	}
	if filepath.IsAbs(main) {
		return main
	}
	return filepath.Join(dir, main)
}

// CheckEngine verifies hostVersion against the manifest's engine constraint.
// A missing constraint or empty host version always passes.
func (m *Manifest) CheckEngine(hostVersion string) error {
	constraint := m.Engines[HostEngineName]
	if constraint == "" || hostVersion == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return errors.Wrapf(err, "engines.%s %q", HostEngineName, constraint)
	}
	v, err := semver.NewVersion(hostVersion)
	if err != nil {
		return errors.Wrapf(err, "host version %q", hostVersion)
	}
	if ok, reasons := c.Validate(v); !ok {
		return errors.Wrapf(ErrEngineMismatch, "%s %s: %v", HostEngineName, hostVersion, errors.Join(reasons...))
	}
	return nil
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	c := *m
	c.Capabilities = append([]string(nil), m.Capabilities...)
	if m.Engines != nil {
		c.Engines = make(map[string]string, len(m.Engines))
		for k, v := range m.Engines {
			c.Engines[k] = v
		}
	}
	if m.Config != nil {
		raw, _ := json.Marshal(m.Config)
		_ = json.Unmarshal(raw, &c.Config)
	}
	return &c
}

// String returns a human-readable representation of the manifest.
func (m *Manifest) String() string {
	return m.Name + "@" + m.Version
}

// FindManifest returns the first manifest file present in dir.
func FindManifest(dir string) (string, bool) {
	for _, name := range ManifestFiles {
		p := filepath.Join(dir, name)
		if fsutil.IsNonEmptyFile(p) {
			return p, true
		}
	}
	return "", false
}

// ReadManifestDocument decodes a JSON or YAML manifest into a generic document.
func ReadManifestDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read manifest")
	}

	doc := make(map[string]any)
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parse manifest %s", filepath.Base(path))
	}
	return doc, nil
}

// LoadManifest reads the manifest at path and validates it against the
// plugin schema. Relative paths in the manifest are checked against the
// manifest's directory. A validation failure is returned as *schema.ValidationErrors.
func LoadManifest(v *schema.Validator, path string) (*Manifest, error) {
	doc, err := ReadManifestDocument(path)
	if err != nil {
		return nil, err
	}
	if err := v.Validate(doc, schema.PluginSchemaID, schema.WithBaseDir(filepath.Dir(path))); err != nil {
		return nil, err
	}

	m, err := manifestFromDocument(doc)
	if err != nil {
		return nil, err
	}
	m.File = path
	return m, nil
}

func manifestFromDocument(doc map[string]any) (*Manifest, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "encode manifest")
	}
	m := &Manifest{}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, errors.Wrap(err, "decode manifest")
	}
	if m.Main == "" {
		m.Main = DefaultMain
	}
	return m, nil
}

// PackageDescriptor holds the informational fields of package.json.
type PackageDescriptor struct {
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Version     string   `json:"version,omitempty" yaml:"version,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Main        string   `json:"main,omitempty" yaml:"main,omitempty"`
	Author      string   `json:"author,omitempty" yaml:"author,omitempty"`
	License     string   `json:"license,omitempty" yaml:"license,omitempty"`
	Homepage    string   `json:"homepage,omitempty" yaml:"homepage,omitempty"`
	Keywords    []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// ReadPackage reads the informational fields of a package.json file. The
// author may be a string or an object with a name.
func ReadPackage(path string) (*PackageDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read package descriptor")
	}
	if !gjson.ValidBytes(data) {
		return nil, errors.Newf("parse %s: invalid JSON", filepath.Base(path))
	}

	res := gjson.ParseBytes(data)
	p := &PackageDescriptor{
		Name:        res.Get("name").String(),
		Version:     res.Get("version").String(),
		Description: res.Get("description").String(),
		Main:        res.Get("main").String(),
		License:     res.Get("license").String(),
		Homepage:    res.Get("homepage").String(),
	}

	author := res.Get("author")
	if author.IsObject() {
		p.Author = author.Get("name").String()
	} else {
		p.Author = author.String()
	}

	for _, kw := range res.Get("keywords").Array() {
		p.Keywords = append(p.Keywords, kw.String())
	}
	return p, nil
}
