package release

import (
	"strings"
	"time"

	"github.com/git-pkgs/aptsync/internal/control"
	"github.com/git-pkgs/aptsync/internal/store"
)

// Project maps the first paragraph of a manifest onto a Distribution.
// Codename and Suite fall back to the directory name under dists/.
func Project(repoID, name string, p control.Paragraph, raw string, fetchedAt time.Time) store.Distribution {
	codename := p.Value("Codename")
	if codename == "" {
		codename = name
	}
	suite := p.Value("Suite")
	if suite == "" {
		suite = name
	}
	return store.Distribution{
		RepositoryID:  repoID,
		Name:          name,
		Codename:      codename,
		Suite:         suite,
		Origin:        p.Value("Origin"),
		Label:         p.Value("Label"),
		Version:       p.Value("Version"),
		Date:          p.Value("Date"),
		Description:   p.Value("Description"),
		Architectures: p.List("Architectures"),
		Components:    p.List("Components"),
		Raw:           raw,
		FetchedAt:     fetchedAt,
	}
}

const (
	clearsignHeader = "-----BEGIN PGP SIGNED MESSAGE-----"
	signatureHeader = "-----BEGIN PGP SIGNATURE-----"
)

// stripClearsign returns the signed text of an OpenPGP clearsigned message
// (InRelease), undoing dash-escaping. Other input is returned unchanged. The
// signature is not verified.
func stripClearsign(data []byte) string {
	text := string(data)
	trimmed := strings.TrimLeft(text, " \t\r\n")
	if !strings.HasPrefix(trimmed, clearsignHeader) {
		return text
	}

	lines := strings.Split(trimmed, "\n")
	i := 1
	// Armor headers ("Hash: SHA512") end at the first blank line.
	for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
		i++
	}
	i++

	var body strings.Builder
	for ; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		if line == signatureHeader {
			break
		}
		body.WriteString(strings.TrimPrefix(line, "- "))
		body.WriteByte('\n')
	}
	return body.String()
}
