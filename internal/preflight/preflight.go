package preflight

import (
	"context"
	"path/filepath"
	"strings"

	"lectern/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// Pinger is any dependency that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RunAll executes all applicable preflight checks for the given config.
// embeddings may be nil, in which case the embedding check is skipped.
func RunAll(ctx context.Context, cfg *config.Config, embeddings Pinger) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result
	results = append(results, CheckDirectoryAccess("Data directory", cfg.Paths.DataDir))
	if cfg.Paths.ImportDir != "" {
		results = append(results, CheckDirectoryAccess("Import directory", cfg.Paths.ImportDir))
	}
	if strings.TrimSpace(cfg.MediaServer.URL) != "" {
		results = append(results, CheckMediaServer(ctx, cfg.MediaServer.URL, cfg.MediaServer.Token))
	}
	if embeddings != nil {
		results = append(results, CheckService(ctx, "Embeddings", embeddings))
	}
	model := filepath.Join(cfg.Transcription.ModelsDir, cfg.Transcription.DefaultModel+".bin")
	results = append(results, CheckFile("Whisper model", model))
	return results
}

// Failed returns the checks that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
