package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/colthorp/labsheets-cli-go/internal/api"
	"github.com/colthorp/labsheets-cli-go/internal/cache"
	"github.com/colthorp/labsheets-cli-go/internal/config"
	"github.com/colthorp/labsheets-cli-go/internal/core"
	"github.com/colthorp/labsheets-cli-go/internal/export"
	"github.com/colthorp/labsheets-cli-go/internal/logging"
	"github.com/colthorp/labsheets-cli-go/internal/scrape"
)

// refreshWait bounds how long a command waits for a background refresh
// before exiting.
const refreshWait = 2 * time.Minute

// app is the wired object graph behind every command.
type app struct {
	cfg      *config.Config
	manager  *cache.Manager
	exporter *export.Exporter
	closers  []func() error
}

// openStore builds the persisted store for the configured backend.
func openStore(c *config.Config) (cache.Store, func() error, error) {
	switch c.Cache.Backend {
	case config.BackendMemory:
		return cache.NewMemoryStore(), nil, nil
	case config.BackendBadger:
		store, err := cache.OpenBadgerStore(filepath.Join(c.Cache.Dir, "badger"))
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return cache.NewFileStore(c.Cache.Dir), nil, nil
	}
}

func newApp(c *config.Config, transport api.Transport) (*app, error) {
	store, closer, err := openStore(c)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	if transport == nil {
		if c.Portal.SessionCookie == "" {
			logging.Warn().Msg("portal.session_cookie is not set; CourseWeb will treat requests as logged out")
		}
		transport = api.NewClient(api.ClientOptions{
			BaseURL:       c.Portal.BaseURL,
			SessionCookie: c.Portal.SessionCookie,
			Sesskey:       c.Portal.Sesskey,
			Timeout:       c.Portal.Timeout,
			MaxRetries:    c.Portal.MaxRetries,
		})
	}

	manager := cache.NewManager(
		api.NewPortalAPI(transport),
		scrape.New(transport),
		store,
		cache.Options{
			StorageKey: core.StorageKey(core.Origin(c.Portal.BaseURL)),
			FreshFor:   c.Cache.FreshFor,
			MaxAge:     c.Cache.MaxAge,
			BatchSize:  c.Cache.BatchSize,
		},
	)

	exporter := export.NewExporter(export.NewDirSink(c.Export.Dir), export.Options{
		Student:  export.NewStudent(c.Student.Name, c.Student.ID),
		Interval: c.Export.Interval,
	})

	a := &app{cfg: c, manager: manager, exporter: exporter}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	return a, nil
}

// Close waits (bounded) for background refreshes, then releases the store.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), refreshWait)
	defer cancel()

	err := a.manager.Close(ctx)
	for _, closer := range a.closers {
		if cerr := closer(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
