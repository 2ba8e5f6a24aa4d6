package enrich

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"aishell/internal/llm"
	"aishell/internal/vector"
)

// maxListedEntries bounds the cwd listing gatherer.
const maxListedEntries = 20

// gatherer produces one named section of a panel update. Timeouts yield a
// nil section, never a pipeline failure.
type gatherer struct {
	name string
	run  func(ctx context.Context) (any, error)
}

// gatherersFor selects the bounded fan-out for an intent.
func (p *Pipeline) gatherersFor(intent llm.IntentResult, req Request) []gatherer {
	switch intent.PrimaryIntent {
	case llm.IntentFileOperation:
		return []gatherer{
			{name: "disk_usage", run: p.gatherDiskUsage(req.Context.CWD)},
			{name: "cwd_listing", run: p.gatherListing(req.Context.CWD)},
		}
	case llm.IntentDatabaseQuery:
		return []gatherer{
			{name: "connections", run: p.gatherConnections()},
			{name: "table_candidates", run: p.gatherTableCandidates(req.Input)},
			{name: "recent_history", run: p.gatherHistory()},
		}
	case llm.IntentVaultAccess:
		return []gatherer{
			{name: "credential_names", run: p.gatherCredentialNames()},
		}
	default: // navigation, other
		return []gatherer{
			{name: "system", run: p.gatherSystemSnapshot(req.Context.CWD)},
		}
	}
}

// runGatherers executes the fan-out in parallel, each under its own
// deadline. Partial results are fine; a slow gatherer is simply absent.
func (p *Pipeline) runGatherers(ctx context.Context, gatherers []gatherer) map[string]any {
	type result struct {
		name  string
		value any
	}
	results := make([]result, len(gatherers))

	g, gctx := errgroup.WithContext(ctx)
	for i, gr := range gatherers {
		i, gr := i, gr
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(gctx, p.gathererDeadline)
			defer cancel()
			value, err := gr.run(dctx)
			if err == nil {
				results[i] = result{name: gr.name, value: value}
			}
			// Errors and timeouts drop the section only.
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]any, len(results))
	for _, r := range results {
		if r.name != "" && r.value != nil {
			out[r.name] = r.value
		}
	}
	return out
}

func (p *Pipeline) gatherDiskUsage(cwd string) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		if cwd == "" {
			cwd = "."
		}
		entries, err := os.ReadDir(cwd)
		if err != nil {
			return nil, err
		}
		var total int64
		files := 0
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if info, err := e.Info(); err == nil && !e.IsDir() {
				total += info.Size()
				files++
			}
		}
		return map[string]any{"path": cwd, "files": files, "bytes": total}, nil
	}
}

func (p *Pipeline) gatherListing(cwd string) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		if cwd == "" {
			cwd = "."
		}
		entries, err := os.ReadDir(cwd)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, maxListedEntries)
		for _, e := range entries {
			if len(names) >= maxListedEntries {
				break
			}
			name := e.Name()
			if e.IsDir() {
				name += string(filepath.Separator)
			}
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil
	}
}

func (p *Pipeline) gatherConnections() func(context.Context) (any, error) {
	return func(context.Context) (any, error) {
		if p.connections == nil {
			return nil, nil
		}
		return map[string]any{
			"count":  p.connections.Count(),
			"active": p.connections.ActiveName(),
		}, nil
	}
}

func (p *Pipeline) gatherTableCandidates(input string) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		if p.embedder == nil || p.index == nil {
			return nil, nil
		}
		vec, err := p.embedder.Embed(ctx, input)
		if err != nil {
			return nil, err
		}
		matches, err := p.index.Search(vec, 5, vector.SourceCatalog)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(matches))
		for _, m := range matches {
			names = append(names, m.Document.Text)
		}
		return names, nil
	}
}

func (p *Pipeline) gatherHistory() func(context.Context) (any, error) {
	return func(context.Context) (any, error) {
		if p.history == nil {
			return nil, nil
		}
		return p.history.Recent(5), nil
	}
}

func (p *Pipeline) gatherCredentialNames() func(context.Context) (any, error) {
	return func(context.Context) (any, error) {
		if p.credentials == nil {
			return nil, nil
		}
		// Names only; values never leave the vault.
		return p.credentials.Names(), nil
	}
}

func (p *Pipeline) gatherSystemSnapshot(cwd string) func(context.Context) (any, error) {
	return func(context.Context) (any, error) {
		host, _ := os.Hostname()
		return map[string]any{
			"hostname":   host,
			"cwd":        cwd,
			"goroutines": runtime.NumGoroutine(),
			"time":       time.Now().Format(time.RFC3339),
		}, nil
	}
}
