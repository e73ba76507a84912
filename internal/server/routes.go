package server

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/git-pkgs/aptsync/client"
	"github.com/git-pkgs/aptsync/internal/packages"
	"github.com/git-pkgs/aptsync/internal/store"
	reposync "github.com/git-pkgs/aptsync/internal/sync"
)

const (
	eventBuffer         = 256
	defaultPackageLimit = 1000
)

// Syncer runs one repository sync.
type Syncer interface {
	Run(ctx context.Context, repo store.Repository, candidates []string, sink reposync.Sink) (*reposync.Summary, error)
}

// PackageReader streams one binary package index.
type PackageReader interface {
	Read(ctx context.Context, base string, t packages.Target) (iter.Seq2[packages.Package, error], error)
}

type Dependencies struct {
	Store    store.Store
	Syncer   Syncer
	Packages PackageReader
	Breakers func() map[string]string
	Logger   *slog.Logger
}

type createRepositoryRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type syncRequest struct {
	Candidates []string `json:"candidates"`
}

type syncResultLine struct {
	Summary       *reposync.Summary `json:"summary,omitempty"`
	Error         string            `json:"error,omitempty"`
	DroppedEvents uint64            `json:"dropped_events,omitempty"`
}

type packageOut struct {
	packages.Package
	PURL string `json:"purl"`
}

// packagesResultLine ends a package stream. Skipped counts stanzas that
// could not be decoded; FirstError describes the first of them.
type packagesResultLine struct {
	Count      int    `json:"count"`
	Skipped    int    `json:"skipped"`
	FirstError string `json:"first_error,omitempty"`
}

func Register(e *echo.Echo, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
	})

	e.GET("/breakers", func(c echo.Context) error {
		states := map[string]string{}
		if deps.Breakers != nil {
			states = deps.Breakers()
		}
		return c.JSON(http.StatusOK, states)
	})

	e.GET("/repositories", func(c echo.Context) error {
		repos, err := deps.Store.ListRepositories(c.Request().Context())
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, repos)
	})

	e.POST("/repositories", func(c echo.Context) error {
		var req createRepositoryRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		}
		if err := client.ValidateBase(req.URL); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
		}

		ctx := c.Request().Context()
		repo := store.NewRepository(strings.TrimSpace(req.Name), req.URL)
		existing, err := deps.Store.GetRepository(ctx, repo.ID)
		if err == nil {
			return c.JSON(http.StatusOK, existing)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return WriteError(c, err)
		}
		if err := deps.Store.PutRepository(ctx, repo); err != nil {
			return WriteError(c, err)
		}
		logger.InfoContext(ctx, "repository added", "repository", repo.ID)
		return c.JSON(http.StatusCreated, repo)
	})

	e.GET("/repositories/:id", func(c echo.Context) error {
		repo, err := lookupRepository(c, deps.Store)
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, repo)
	})

	e.DELETE("/repositories/:id", func(c echo.Context) error {
		id, err := repositoryID(c)
		if err != nil {
			return WriteError(c, err)
		}
		if err := deps.Store.DeleteRepository(c.Request().Context(), id); err != nil {
			return WriteError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	})

	e.GET("/repositories/:id/distributions", func(c echo.Context) error {
		repo, err := lookupRepository(c, deps.Store)
		if err != nil {
			return WriteError(c, err)
		}
		dists, err := deps.Store.ListDistributions(c.Request().Context(), repo.ID)
		if err != nil {
			return WriteError(c, err)
		}
		if c.QueryParam("raw") != "true" {
			for i := range dists {
				dists[i].Raw = ""
			}
		}
		return c.JSON(http.StatusOK, dists)
	})

	e.POST("/repositories/:id/sync", func(c echo.Context) error {
		if deps.Syncer == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "sync unavailable"})
		}
		repo, err := lookupRepository(c, deps.Store)
		if err != nil {
			return WriteError(c, err)
		}
		var req syncRequest
		if c.Request().ContentLength != 0 {
			if err := c.Bind(&req); err != nil {
				return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid request body"})
			}
		}
		return streamSync(c, deps.Syncer, repo, req.Candidates)
	})

	e.GET("/repositories/:id/distributions/:name/packages", func(c echo.Context) error {
		if deps.Packages == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "package index unavailable"})
		}
		repo, err := lookupRepository(c, deps.Store)
		if err != nil {
			return WriteError(c, err)
		}
		name, err := url.PathUnescape(c.Param("name"))
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "invalid distribution name"})
		}
		target := packages.Target{
			Dist:      name,
			Component: c.QueryParam("component"),
			Arch:      c.QueryParam("arch"),
		}
		if target.Component == "" || target.Arch == "" {
			return c.JSON(http.StatusBadRequest, map[string]any{"error": "component and arch are required"})
		}
		limit := defaultPackageLimit
		if v := c.QueryParam("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return c.JSON(http.StatusBadRequest, map[string]any{"error": "limit must be a positive integer"})
			}
			limit = n
		}
		return streamPackages(c, deps.Packages, repo, target, c.QueryParam("namespace"), limit)
	})
}

func repositoryID(c echo.Context) (string, error) {
	id, err := url.PathUnescape(c.Param("id"))
	if err != nil || id == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid repository id")
	}
	return id, nil
}

func lookupRepository(c echo.Context, s store.Store) (store.Repository, error) {
	id, err := repositoryID(c)
	if err != nil {
		return store.Repository{}, err
	}
	return s.GetRepository(c.Request().Context(), id)
}

// streamSync writes one NDJSON line per progress event and a final line with
// the summary. A run that fails before emitting anything gets a plain JSON
// error response instead.
func streamSync(c echo.Context, syncer Syncer, repo store.Repository, candidates []string) error {
	ctx := c.Request().Context()
	sink := reposync.NewChannelSink(eventBuffer)

	type result struct {
		summary *reposync.Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		summary, err := syncer.Run(ctx, repo, candidates, sink)
		sink.Close()
		done <- result{summary, err}
	}()

	res := c.Response()
	enc := json.NewEncoder(res)
	started := false
	begin := func() {
		if started {
			return
		}
		started = true
		res.Header().Set(echo.HeaderContentType, "application/x-ndjson")
		res.WriteHeader(http.StatusOK)
	}

	for e := range sink.Events() {
		begin()
		if err := enc.Encode(e); err != nil {
			break
		}
		res.Flush()
	}
	out := <-done

	if !started && out.err != nil && out.summary == nil {
		return WriteError(c, out.err)
	}
	begin()
	line := syncResultLine{Summary: out.summary, DroppedEvents: sink.Dropped()}
	if out.err != nil {
		line.Error = out.err.Error()
	}
	if err := enc.Encode(line); err != nil {
		return nil
	}
	res.Flush()
	return nil
}

func streamPackages(c echo.Context, reader PackageReader, repo store.Repository, t packages.Target, namespace string, limit int) error {
	ctx := c.Request().Context()
	seq, err := reader.Read(ctx, repo.URL, t)
	if err != nil {
		return WriteError(c, err)
	}
	if namespace == "" {
		namespace = namespaceFor(repo)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	res.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(res)

	var line packagesResultLine
	for pkg, err := range seq {
		if err != nil {
			if line.Skipped == 0 {
				line.FirstError = err.Error()
			}
			line.Skipped++
			continue
		}
		if err := enc.Encode(packageOut{Package: pkg, PURL: pkg.PURL(namespace, t.Dist)}); err != nil {
			return nil
		}
		if line.Count++; line.Count >= limit {
			break
		}
	}
	if err := enc.Encode(line); err != nil {
		return nil
	}
	res.Flush()
	return nil
}

// namespaceFor guesses the purl namespace from the repository name, falling
// back to "debian".
func namespaceFor(repo store.Repository) string {
	lower := strings.ToLower(repo.Name + " " + repo.URL)
	if strings.Contains(lower, "ubuntu") {
		return "ubuntu"
	}
	return "debian"
}

// WriteError maps domain errors to status codes.
func WriteError(c echo.Context, err error) error {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return c.JSON(he.Code, map[string]any{"error": he.Message})
	case errors.Is(err, store.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]any{"error": err.Error()})
	case errors.Is(err, reposync.ErrSyncInProgress), errors.Is(err, reposync.ErrLeaseLost):
		return c.JSON(http.StatusConflict, map[string]any{"error": err.Error()})
	case errors.Is(err, packages.ErrNoIndex):
		return c.JSON(http.StatusNotFound, map[string]any{"error": err.Error()})
	case errors.Is(err, reposync.ErrRemoteUnreachable):
		return c.JSON(http.StatusBadGateway, map[string]any{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
}
