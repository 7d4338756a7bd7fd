package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Chain merges several loaders into one. Discovery order is loader order, then
// each loader's own order. When two loaders offer the same name the earlier
// loader wins and the later unit is skipped with a log line.
type Chain struct {
	loaders []Loader
	logger  *slog.Logger

	mu     sync.Mutex
	owners map[string]Loader
}

func NewChain(logger *slog.Logger, loaders ...Loader) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		loaders: loaders,
		logger:  logger,
		owners:  make(map[string]Loader),
	}
}

// Discover fails as a whole if any loader cannot enumerate its units.
func (c *Chain) Discover(ctx context.Context) ([]Descriptor, error) {
	var (
		out    []Descriptor
		errs   []error
		owners = make(map[string]Loader)
		winner = make(map[string]string)
	)
	for _, l := range c.loaders {
		descs, err := l.Discover(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, d := range descs {
			if src, dup := winner[d.Name]; dup {
				c.logger.Warn("unit name collision: skipping later source",
					"unit", d.Name,
					"winner_source", src,
					"skipped_source", d.Source,
				)
				continue
			}
			winner[d.Name] = d.Source
			owners[d.Name] = l
			out = append(out, d)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("discover units: %w", err)
	}

	c.mu.Lock()
	// Keep owners of still-active units reachable for Deactivate even if they vanished from discovery.
	for name, l := range c.owners {
		if _, ok := owners[name]; !ok {
			owners[name] = l
		}
	}
	c.owners = owners
	c.mu.Unlock()
	return out, nil
}

func (c *Chain) owner(name string) (Loader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.owners[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownUnit)
	}
	return l, nil
}

func (c *Chain) Activate(ctx context.Context, name string) (Unit, error) {
	l, err := c.owner(name)
	if err != nil {
		return nil, err
	}
	return l.Activate(ctx, name)
}

func (c *Chain) Deactivate(ctx context.Context, name string) error {
	l, err := c.owner(name)
	if err != nil {
		return err
	}
	return l.Deactivate(ctx, name)
}
