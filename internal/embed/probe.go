/*
Package embed decides whether an external website may be embedded in an
iframe, by probing it and inspecting the X-Frame-Options answer.
*/
package embed

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const probeTimeout = 5 * time.Second

// Status code some providers (LinkedIn) answer when the request was
// understood but deliberately blocked.  The site is reachable, just not
// probeable.
const statusBlocked = 999

/*
Checker probes URLs.  Domains on the allow-list skip the probe entirely
and are reported embeddable.
*/
type Checker struct {
	allowList []string
	http      *http.Client
	log       zerolog.Logger
}

func NewChecker(allowList []string, log zerolog.Logger) *Checker {
	return &Checker{
		allowList: allowList,
		http: &http.Client{
			Timeout: probeTimeout,
		},
		log: log.With().Str("component", "embed-probe").Logger(),
	}
}

/*
Embeddable reports whether the URL may be iframed, and a human-readable
reason when it may not.  The probe is a HEAD request, retried as GET when
the server answers 405; deny and sameorigin frame options make the site
non-embeddable, any other failure makes it unreachable.
*/
func (c *Checker) Embeddable(ctx context.Context, rawURL string) (bool, string) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false, "invalid url"
	}

	for _, domain := range c.allowList {
		if strings.Contains(parsed.Host, domain) {
			return true, ""
		}
	}

	res, err := c.probe(ctx, http.MethodHead, rawURL)
	if err == nil && res.StatusCode == http.StatusMethodNotAllowed {
		res, err = c.probe(ctx, http.MethodGet, rawURL)
	}
	if err != nil {
		c.log.Debug().Err(err).Str("url", rawURL).Msg("probe failed")
		return false, "site unreachable"
	}

	if res.StatusCode == statusBlocked {
		return false, "site blocks automated probes"
	}

	switch strings.ToLower(res.Header.Get("X-Frame-Options")) {
	case "deny", "sameorigin":
		return false, "site forbids embedding"
	}
	return true, ""
}

func (c *Checker) probe(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	res.Body.Close()
	return res, nil
}
