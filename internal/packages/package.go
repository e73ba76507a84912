// Package packages reads the binary package indexes of a distribution and
// projects each stanza into a Package summary.
package packages

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	packageurl "github.com/package-url/packageurl-go"

	"github.com/git-pkgs/aptsync/internal/control"
	"github.com/git-pkgs/aptsync/internal/store"
)

// ErrMissingName is returned for a stanza without a Package field.
var ErrMissingName = errors.New("stanza has no Package field")

// Package is the summary of one binary package stanza.
type Package struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Architecture  string   `json:"architecture"`
	Section       string   `json:"section,omitempty"`
	Priority      string   `json:"priority,omitempty"`
	Maintainer    string   `json:"maintainer,omitempty"`
	Homepage      string   `json:"homepage,omitempty"`
	Description   string   `json:"description,omitempty"`
	Filename      string   `json:"filename,omitempty"`
	Size          int64    `json:"size,omitempty"`
	SHA256        string   `json:"sha256,omitempty"`
	Source        string   `json:"source,omitempty"`
	Depends       []string `json:"depends,omitempty"`
	InstalledSize int64    `json:"installed_size,omitempty"`
}

// FromParagraph projects a Packages stanza.
func FromParagraph(p control.Paragraph) (Package, error) {
	name := p.Value("Package")
	if name == "" {
		return Package{}, ErrMissingName
	}

	pkg := Package{
		Name:         name,
		Version:      p.Value("Version"),
		Architecture: p.Value("Architecture"),
		Section:      p.Value("Section"),
		Priority:     p.Value("Priority"),
		Maintainer:   p.Value("Maintainer"),
		Homepage:     p.Value("Homepage"),
		Description:  firstLine(p.Value("Description")),
		Filename:     p.Value("Filename"),
		SHA256:       p.Value("SHA256"),
		Source:       p.Value("Source"),
		Depends:      splitRelations(p.Value("Depends")),
	}

	var err error
	if pkg.Size, err = parseSize(p, "Size"); err != nil {
		return Package{}, fmt.Errorf("package %s: %w", name, err)
	}
	if pkg.InstalledSize, err = parseSize(p, "Installed-Size"); err != nil {
		return Package{}, fmt.Errorf("package %s: %w", name, err)
	}
	return pkg, nil
}

// PURL returns the package URL, e.g.
// pkg:deb/debian/curl@7.88.1-10?arch=amd64&distro=bookworm.
func (p Package) PURL(namespace, distro string) string {
	var qualifiers packageurl.Qualifiers
	if p.Architecture != "" {
		qualifiers = append(qualifiers, packageurl.Qualifier{Key: "arch", Value: p.Architecture})
	}
	if distro != "" {
		qualifiers = append(qualifiers, packageurl.Qualifier{Key: "distro", Value: distro})
	}
	return packageurl.NewPackageURL("deb", strings.ToLower(namespace), p.Name, p.Version, qualifiers, "").ToString()
}

// Target is one component/architecture index of a distribution.
type Target struct {
	Dist      string `json:"dist"`
	Component string `json:"component"`
	Arch      string `json:"arch"`
}

func (t Target) String() string {
	return t.Dist + "/" + t.Component + "/binary-" + t.Arch
}

// Targets lists the binary indexes a distribution advertises. The "all"
// and "source" pseudo-architectures have no binary-<arch> index of their own.
func Targets(d store.Distribution) []Target {
	var out []Target
	for _, comp := range d.Components {
		for _, arch := range d.Architectures {
			if arch == "all" || arch == "source" {
				continue
			}
			out = append(out, Target{Dist: d.Name, Component: comp, Arch: arch})
		}
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func splitRelations(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.Join(strings.Fields(part), " "); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseSize(p control.Paragraph, field string) (int64, error) {
	v := p.Value(field)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", field, v)
	}
	return n, nil
}
