// Package release talks to the application's release feed and picks the
// asset to download. The feed speaks the GitHub releases JSON dialect.
package release

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// requestTimeout bounds each individual feed call.
	requestTimeout = 30 * time.Second

	acceptHeader = "application/vnd.github.v3+json"

	retryInterval = 2 * time.Second
	maxRetries    = 2
)

// feedRelease is the wire shape of one release on the feed.
type feedRelease struct {
	TagName    string      `json:"tag_name"`
	Body       string      `json:"body"`
	Prerelease bool        `json:"prerelease"`
	Assets     []feedAsset `json:"assets"`
}

type feedAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
	// Digest is "sha256:<hex>" on feeds that publish checksums.
	Digest string `json:"digest"`
}

// Client fetches release metadata from the feed. It never mutates anything
// on the remote side.
type Client struct {
	baseURL    string
	token      string
	appName    string
	userAgent  string
	httpClient *http.Client
	log        *zerolog.Logger
}

// NewClient builds a feed client. baseURL is the feed root (the client
// appends /releases/latest and /releases), token is optional and sent as an
// "Authorization: token" header when non-empty.
func NewClient(baseURL, token, appName, clientVersion string, log *zerolog.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		token:     token,
		appName:   appName,
		userAgent: fmt.Sprintf("%s-update/%s", appName, clientVersion),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		log: log,
	}
}

// CheckLatest returns the newest release visible on the feed, or nil when the
// feed has nothing usable. An unreachable feed is "nothing to do", not an
// error: the caller reports "no release found" and tries again later.
func (c *Client) CheckLatest(ctx context.Context) (*Release, error) {
	var feed feedRelease
	if err := c.getJSON(ctx, c.baseURL+"/releases/latest", &feed); err != nil {
		c.log.Debug().Err(err).Msg("latest release endpoint failed, falling back to release list")

		var all []feedRelease
		if err := c.getJSON(ctx, c.baseURL+"/releases", &all); err != nil {
			c.log.Info().Err(err).Msg("no release found")
			return nil, nil
		}
		if len(all) == 0 {
			c.log.Info().Msg("release list is empty, no release found")
			return nil, nil
		}
		// The list is most-recent first and may lead with a pre-release.
		feed = all[0]
	}

	return c.buildRelease(feed)
}

func (c *Client) buildRelease(feed feedRelease) (*Release, error) {
	if feed.TagName == "" {
		c.log.Info().Msg("release has no tag, no release found")
		return nil, nil
	}

	asset, found := c.selectAsset(feed.Assets)
	if !found {
		c.log.Info().Str("tag", feed.TagName).Msg("release carries no downloadable update asset")
		return nil, nil
	}

	return &Release{
		Version:       strings.TrimPrefix(feed.TagName, "v"),
		DownloadURL:   asset.BrowserDownloadURL,
		Notes:         feed.Body,
		FileSizeBytes: asset.Size,
		Checksum:      strings.TrimPrefix(asset.Digest, "sha256:"),
		IsCritical:    notesAreCritical(feed.Body),
	}, nil
}

// selectAsset picks the first asset whose name contains "update.zip" or the
// application name, case-insensitively.
func (c *Client) selectAsset(assets []feedAsset) (feedAsset, bool) {
	appName := strings.ToLower(c.appName)
	for _, asset := range assets {
		name := strings.ToLower(asset.Name)
		if strings.Contains(name, "update.zip") || strings.Contains(name, appName) {
			return asset, true
		}
	}
	return feedAsset{}, false
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", acceptHeader)
		req.Header.Set("User-Agent", c.userAgent)
		if c.token != "" {
			req.Header.Set("Authorization", "token "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := errors.Errorf("feed returned status %d for %s", resp.StatusCode, url)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				// 4xx will not heal on retry within this call.
				return backoff.Permanent(err)
			}
			return err
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(errors.Wrap(err, "malformed feed response"))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(retryInterval), maxRetries),
		ctx,
	)
	return backoff.Retry(operation, policy)
}
