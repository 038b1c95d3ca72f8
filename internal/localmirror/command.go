package localmirror

import (
	"bufio"
	"context"
	"net/url"
	"os/exec"
	"strings"

	"github.com/universesync/core/internal/corekit"
)

// gitCommand builds the git invocation for r's upstream, injecting a
// bearer credential into the URL when r.tokens can resolve one — so a
// token never needs to be written into .git/config on disk.
func (r *Mirror) gitCommand(ctx context.Context, args ...string) (*exec.Cmd, error) {
	repoURL := r.upstreamURL
	effectiveURL := repoURL

	if r.tokens != nil {
		token, err := r.tokens.GetTokenForURL(ctx, repoURL)
		if err == nil && token != "" {
			effectiveURL = injectToken(repoURL, token)
		}
	}

	allArgs := make([]string, 0, len(args))
	for _, a := range args {
		if a == repoURL {
			a = effectiveURL
		}
		allArgs = append(allArgs, a)
	}

	return exec.CommandContext(ctx, "git", allArgs...), nil //nolint:gosec // args are derived from our own config
}

func injectToken(rawURL, token string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.Scheme == "http" {
		u.Scheme = "https"
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String()
}

type parsedURL struct {
	host string
	path string
}

func parseForPath(rawURL string) (parsedURL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return parsedURL{}, corekit.New(corekit.KindBadRequest, err, "parse mirror upstream url")
	}
	return parsedURL{host: u.Host, path: strings.TrimSuffix(strings.TrimPrefix(u.Path, "/"), ".git")}, nil
}

func parseGitRefs(output []byte) map[string]string {
	refs := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) >= 2 {
			refs[parts[1]] = parts[0]
		}
	}
	return refs
}
