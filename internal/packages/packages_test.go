package packages

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"

	"github.com/git-pkgs/aptsync/client"
	"github.com/git-pkgs/aptsync/fetch"
	"github.com/git-pkgs/aptsync/internal/cache"
	"github.com/git-pkgs/aptsync/internal/control"
	"github.com/git-pkgs/aptsync/internal/store"
)

const mainAmd64 = `Package: curl
Architecture: amd64
Version: 7.88.1-10
Priority: optional
Section: web
Maintainer: Alessandro Ghedini <ghedo@debian.org>
Installed-Size: 501
Depends: libc6 (>= 2.34),  libcurl4 (= 7.88.1-10), zlib1g (>= 1:1.1.4)
Homepage: https://curl.se/
Description: command line tool for transferring data with URL syntax
 curl is a command line tool for transferring data with URL syntax.
Filename: pool/main/c/curl/curl_7.88.1-10_amd64.deb
Size: 315264
SHA256: 2b7e8fd8c8f6c1ab56cd3f5dca6e47d90e5e325b3c2e1b16b8a3d4a2d5f6b8f0

Package: libcurl4
Source: curl
Architecture: amd64
Version: 7.88.1-10
Filename: pool/main/c/curl/libcurl4_7.88.1-10_amd64.deb
Size: 390000
`

type mirror struct {
	server *httptest.Server
	mu     sync.Mutex
	files  map[string][]byte
	paths  []string
}

func newMirror(t *testing.T, files map[string][]byte) *mirror {
	t.Helper()
	m := &mirror{files: files}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.paths = append(m.paths, r.URL.Path)
		m.mu.Unlock()
		body, ok := m.files[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(m.server.Close)
	return m
}

func compress(t *testing.T, c Compression, text string) []byte {
	t.Helper()
	data, err := c.Compress([]byte(text))
	if err != nil {
		t.Fatalf("Compress(%s) failed: %v", c, err)
	}
	return data
}

func collect(t *testing.T, seq func(func(Package, error) bool)) []Package {
	t.Helper()
	var out []Package
	for p, err := range seq {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func newTestReader(c cache.Cache) *Reader {
	return New(fetch.NewFetcher(fetch.WithMaxRetries(0)), c)
}

func TestReadPrefersXZ(t *testing.T) {
	const dir = "/dists/bookworm/main/binary-amd64/"
	m := newMirror(t, map[string][]byte{
		dir + "Packages.xz": compress(t, CompressionXZ, mainAmd64),
		dir + "Packages.gz": compress(t, CompressionGZIP, "Package: wrong\n"),
	})
	fs := cache.NewFS(t.TempDir())
	r := newTestReader(fs)

	ix, err := r.Fetch(context.Background(), m.server.URL, Target{Dist: "bookworm", Component: "main", Arch: "amd64"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if ix.Compression != CompressionXZ {
		t.Errorf("Compression = %s, want xz", ix.Compression)
	}

	pkgs := collect(t, ix.Packages())
	if len(pkgs) != 2 {
		t.Fatalf("got %d packages, want 2", len(pkgs))
	}

	curl := pkgs[0]
	if curl.Name != "curl" || curl.Version != "7.88.1-10" || curl.Architecture != "amd64" {
		t.Errorf("unexpected identity: %+v", curl)
	}
	if curl.Description != "command line tool for transferring data with URL syntax" {
		t.Errorf("Description = %q", curl.Description)
	}
	if curl.Size != 315264 || curl.InstalledSize != 501 {
		t.Errorf("Size = %d, InstalledSize = %d", curl.Size, curl.InstalledSize)
	}
	wantDeps := []string{"libc6 (>= 2.34)", "libcurl4 (= 7.88.1-10)", "zlib1g (>= 1:1.1.4)"}
	if !reflect.DeepEqual(curl.Depends, wantDeps) {
		t.Errorf("Depends = %v, want %v", curl.Depends, wantDeps)
	}
	if pkgs[1].Source != "curl" {
		t.Errorf("libcurl4 Source = %q, want curl", pkgs[1].Source)
	}

	key, err := client.RelativePath(ix.URL)
	if err != nil {
		t.Fatal(err)
	}
	cached, err := fs.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("cached index missing: %v", err)
	}
	if ix.Size() != len(cached) {
		t.Errorf("cached %d bytes, downloaded %d", len(cached), ix.Size())
	}
}

func TestReadFallsBackToGzipAndPlain(t *testing.T) {
	const dir = "/dists/jammy/universe/binary-arm64/"
	m := newMirror(t, map[string][]byte{
		dir + "Packages.gz": compress(t, CompressionGZIP, mainAmd64),
		"/dists/jammy/plain/binary-arm64/Packages": []byte(mainAmd64),
	})
	r := newTestReader(nil)

	ix, err := r.Fetch(context.Background(), m.server.URL, Target{Dist: "jammy", Component: "universe", Arch: "arm64"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if ix.Compression != CompressionGZIP {
		t.Errorf("Compression = %s, want gz", ix.Compression)
	}
	if got := len(collect(t, ix.Packages())); got != 2 {
		t.Errorf("gz: got %d packages, want 2", got)
	}

	seq, err := r.Read(context.Background(), m.server.URL, Target{Dist: "jammy", Component: "plain", Arch: "arm64"})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got := len(collect(t, seq)); got != 2 {
		t.Errorf("plain: got %d packages, want 2", got)
	}
}

func TestReadNoIndex(t *testing.T) {
	m := newMirror(t, map[string][]byte{})
	r := newTestReader(nil)

	_, err := r.Fetch(context.Background(), m.server.URL, Target{Dist: "sid", Component: "main", Arch: "amd64"})
	if !errors.Is(err, ErrNoIndex) {
		t.Fatalf("err = %v, want ErrNoIndex", err)
	}
	if !errors.Is(err, fetch.ErrNotFound) {
		t.Errorf("err = %v, want it to wrap fetch.ErrNotFound", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.paths) != 3 {
		t.Errorf("requested %v, want three variants", m.paths)
	}
}

func TestPackagesSkipsMalformedStanza(t *testing.T) {
	text := "Package: good\nVersion: 1\n\nno colon here\nVersion: 2\n\nVersion: 3\n\nPackage: last\nSize: nope\n\nPackage: tail\n"
	ix := &Index{URL: "test", Compression: CompressionNone, data: []byte(text)}

	var names []string
	var malformed, missing, invalid int
	for p, err := range ix.Packages() {
		switch {
		case err == nil:
			names = append(names, p.Name)
		case control.IsMalformed(err):
			malformed++
		case errors.Is(err, ErrMissingName):
			missing++
		default:
			invalid++
		}
	}
	if !reflect.DeepEqual(names, []string{"good", "tail"}) {
		t.Errorf("names = %v, want [good tail]", names)
	}
	if malformed != 1 || missing != 1 || invalid != 1 {
		t.Errorf("malformed=%d missing=%d invalid=%d, want 1 each", malformed, missing, invalid)
	}
}

func TestPackagesCorruptStream(t *testing.T) {
	ix := &Index{URL: "test", Compression: CompressionXZ, data: []byte("not xz")}
	var errs int
	for _, err := range ix.Packages() {
		if err != nil {
			errs++
		}
	}
	if errs != 1 {
		t.Errorf("got %d errors, want 1", errs)
	}
}

func TestPURL(t *testing.T) {
	p := Package{Name: "curl", Version: "7.88.1-10", Architecture: "amd64"}
	want := "pkg:deb/debian/curl@7.88.1-10?arch=amd64&distro=bookworm"
	if got := p.PURL("Debian", "bookworm"); got != want {
		t.Errorf("PURL = %q, want %q", got, want)
	}
	if got := (Package{Name: "curl"}).PURL("ubuntu", ""); got != "pkg:deb/ubuntu/curl" {
		t.Errorf("PURL = %q, want pkg:deb/ubuntu/curl", got)
	}
}

func TestTargets(t *testing.T) {
	d := store.Distribution{
		Name:          "bookworm",
		Architectures: []string{"all", "amd64", "arm64", "source"},
		Components:    []string{"main", "contrib"},
	}
	want := []Target{
		{"bookworm", "main", "amd64"},
		{"bookworm", "main", "arm64"},
		{"bookworm", "contrib", "amd64"},
		{"bookworm", "contrib", "arm64"},
	}
	if got := Targets(d); !reflect.DeepEqual(got, want) {
		t.Errorf("Targets = %v, want %v", got, want)
	}
	if got := want[0].String(); got != "bookworm/main/binary-amd64" {
		t.Errorf("String = %q", got)
	}
}

func TestParseCompression(t *testing.T) {
	tests := map[string]Compression{
		"xz": CompressionXZ, ".xz": CompressionXZ,
		"gz": CompressionGZIP, ".gz": CompressionGZIP,
		"": CompressionNone, "bz2": CompressionNone,
	}
	for in, want := range tests {
		if got := ParseCompression(in); got != want {
			t.Errorf("ParseCompression(%q) = %q, want %q", in, got, want)
		}
	}
}
