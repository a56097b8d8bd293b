package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"updatebot/internal/config"
	"updatebot/internal/convert"
	"updatebot/internal/domain"
	"updatebot/internal/events"
	"updatebot/internal/metrics"
	"updatebot/internal/notify"
	"updatebot/internal/repo"
	"updatebot/internal/staleness"
	"updatebot/internal/storage"
)

// Catalog is the part of the catalog store the crawl reads and writes.
type Catalog interface {
	FindRoots(ctx context.Context) ([]domain.DeploymentNode, error)
	FindChildren(ctx context.Context, nodeID string) ([]domain.DeploymentNode, error)
	FindNode(ctx context.Context, id string) (domain.DeploymentNode, error)
	SaveNode(ctx context.Context, n domain.DeploymentNode) (domain.DeploymentNode, error)
	FindArtifact(ctx context.Context, id string) (domain.ArtifactRef, error)
	DerivedFor(ctx context.Context, sourceID string) ([]domain.ArtifactRef, error)
	AddResource(ctx context.Context, res domain.Resource) (domain.Resource, error)
}

type Notifier interface {
	Notify(ctx context.Context, t notify.Tree, processingLog string) error
}

// Resetter drops per-crawl memoized remote lookups.
type Resetter interface {
	Reset()
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Catalog   Catalog
	Events    events.Writer
	Config    *config.Config
	Staleness *staleness.Cache
	Converter *convert.Service
	Store     storage.Store
	Remote    Resetter
	Notifier  Notifier
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		Catalog: r,
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) workers() int {
	if e.Config == nil || e.Config.Crawl.Workers < 1 {
		return 1
	}
	return e.Config.Crawl.Workers
}

func (e Engine) artifactTimeout() time.Duration {
	if e.Config == nil {
		return 0
	}
	return e.Config.Crawl.ArtifactTimeout.Duration
}

func (e Engine) propagate() bool {
	return e.Config != nil && e.Config.Crawl.PropagateChildExtents
}

// Tree loads the subtree rooted at id with outputs and derived artifacts.
func (e Engine) Tree(ctx context.Context, id string) (notify.Tree, error) {
	node, err := e.Catalog.FindNode(ctx, id)
	if err != nil {
		return notify.Tree{}, err
	}
	return e.tree(ctx, node)
}

func (e Engine) tree(ctx context.Context, node domain.DeploymentNode) (notify.Tree, error) {
	t := notify.Tree{Node: node, Derived: map[string][]domain.ArtifactRef{}}
	for _, id := range node.Outputs {
		art, err := e.Catalog.FindArtifact(ctx, id)
		if err != nil {
			return t, err
		}
		t.Outputs = append(t.Outputs, art)
		derived, err := e.Catalog.DerivedFor(ctx, id)
		if err != nil {
			return t, err
		}
		if len(derived) > 0 {
			t.Derived[id] = derived
		}
	}
	children, err := e.Catalog.FindChildren(ctx, node.ID)
	if err != nil {
		return t, err
	}
	for _, c := range children {
		ct, err := e.tree(ctx, c)
		if err != nil {
			return t, err
		}
		t.Children = append(t.Children, ct)
	}
	return t, nil
}
