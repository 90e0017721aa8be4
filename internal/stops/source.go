package stops

import (
	"context"
	"fmt"
)

// Source yields the stop list for one optimization run.
type Source interface {
	Name() string
	Stops(ctx context.Context) ([]Stop, error)
}

// FileSource reads stops with Load.
type FileSource struct {
	Path string
}

func (f FileSource) Name() string { return "file:" + f.Path }

func (f FileSource) Stops(ctx context.Context) ([]Stop, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Load(f.Path)
}

// GeneratedSource produces synthetic stops with Generate.
type GeneratedSource struct {
	N    int
	Seed int64
}

func (g GeneratedSource) Name() string { return fmt.Sprintf("generated:n=%d,seed=%d", g.N, g.Seed) }

func (g GeneratedSource) Stops(ctx context.Context) ([]Stop, error) {
	if g.N < 1 {
		return nil, fmt.Errorf("stops: generate needs at least one stop, got %d", g.N)
	}
	return Generate(g.N, g.Seed), nil
}
