package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/attunevoice/attune/internal/knowledge"
)

const (
	githubAPI = "https://api.github.com"

	// rateLimitFloor is the remaining-request budget below which the fetcher
	// sleeps until the reported reset time.
	rateLimitFloor = 5
)

// markdownExtensions are the file types fetched from repositories.
var markdownExtensions = map[string]bool{
	".md": true, ".markdown": true, ".txt": true, ".rst": true,
}

// GitHubFetcher fetches repository documents through the GitHub contents API.
// It implements Fetcher.
type GitHubFetcher struct {
	token      string
	httpClient *http.Client
	log        *slog.Logger

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

var _ Fetcher = (*GitHubFetcher)(nil)

// NewGitHubFetcher creates a fetcher. token may be empty for public repos at
// the anonymous rate limit.
func NewGitHubFetcher(token string, log *slog.Logger) *GitHubFetcher {
	if log == nil {
		log = slog.Default()
	}
	return &GitHubFetcher{
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With("component", "github_fetcher"),
		sleep:      sleepUntil,
	}
}

// contentEntry is one item from the GitHub contents API.
type contentEntry struct {
	Type        string `json:"type"` // "file" or "dir"
	Name        string `json:"name"`
	Path        string `json:"path"`
	HTMLURL     string `json:"html_url"`
	DownloadURL string `json:"download_url"`
}

// Fetch implements Fetcher. It walks the configured paths (the repository
// root when none are given) and downloads every document file.
func (f *GitHubFetcher) Fetch(ctx context.Context, repo RepoConfig) ([]knowledge.SourceDocument, error) {
	paths := repo.Paths
	if len(paths) == 0 {
		paths = []string{""}
	}

	var docs []knowledge.SourceDocument
	for _, p := range paths {
		entries, err := f.listDir(ctx, repo, p)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.Type != "file" || !markdownExtensions[strings.ToLower(path.Ext(entry.Name))] {
				continue
			}
			content, err := f.download(ctx, entry.DownloadURL)
			if err != nil {
				return nil, fmt.Errorf("refresh: download %s: %w", entry.Path, err)
			}
			docs = append(docs, knowledge.SourceDocument{
				SourceURL:  entry.HTMLURL,
				SourceType: "github",
				Title:      strings.TrimSuffix(entry.Name, path.Ext(entry.Name)),
				Content:    content,
			})
		}
	}
	return docs, nil
}

// listDir lists one directory of the repository at the configured branch.
func (f *GitHubFetcher) listDir(ctx context.Context, repo RepoConfig, dir string) ([]contentEntry, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/contents/%s?ref=%s",
		githubAPI, repo.Owner, repo.Repo, dir, repo.Branch)

	body, headers, err := f.get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("refresh: list %s/%s: %w", repo, dir, err)
	}
	if err := f.respectRateLimit(ctx, headers); err != nil {
		return nil, err
	}

	var entries []contentEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("refresh: decode contents of %s: %w", repo, err)
	}
	return entries, nil
}

func (f *GitHubFetcher) download(ctx context.Context, url string) (string, error) {
	body, _, err := f.get(ctx, url)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (f *GitHubFetcher) get(ctx context.Context, url string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, resp.Header, fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.Header, err
	}
	return body, resp.Header, nil
}

// respectRateLimit sleeps until the API budget resets when the remaining
// count reported by GitHub drops below the floor.
func (f *GitHubFetcher) respectRateLimit(ctx context.Context, headers http.Header) error {
	if headers == nil {
		return nil
	}
	remaining, err := strconv.Atoi(headers.Get("X-RateLimit-Remaining"))
	if err != nil || remaining >= rateLimitFloor {
		return nil
	}
	resetUnix, err := strconv.ParseInt(headers.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return nil
	}

	wait := time.Until(time.Unix(resetUnix, 0))
	if wait <= 0 {
		return nil
	}
	f.log.Warn("github rate limit low, sleeping until reset",
		"remaining", remaining, "wait", wait)
	return f.sleep(ctx, wait)
}

func sleepUntil(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
