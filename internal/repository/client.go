package repository

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/component"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/download"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/logging"
)

// ChecksumSuffix names the companion digest file published next to an archive
// whose metadata carries no SHA256.
const ChecksumSuffix = ".sha256"

// Client fetches metadata and scripts through a download.Fetcher, caching them
// under a working directory.
type Client struct {
	fetcher  *download.Fetcher
	cacheDir string
	keyring  openpgp.EntityList
	logger   logging.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithKeyring requires every repository to publish a detached signature that
// verifies against keyring.
func WithKeyring(keyring openpgp.EntityList) ClientOption {
	return func(c *Client) { c.keyring = keyring }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) ClientOption {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

// NewClient creates a client caching downloads under cacheDir.
func NewClient(fetcher *download.Fetcher, cacheDir string, opts ...ClientOption) *Client {
	c := &Client{fetcher: fetcher, cacheDir: cacheDir, logger: logging.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchMetadata downloads, verifies and parses the metadata of one repository.
func (c *Client) FetchMetadata(ctx context.Context, baseURL string) (*Metadata, error) {
	dir := filepath.Join(c.cacheDir, "repositories", cacheKey(baseURL))
	data, err := c.fetchSmall(ctx, join(baseURL, MetadataFile), filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, fmt.Errorf("fetch metadata from %s: %w", baseURL, err)
	}

	if c.keyring != nil {
		sig, err := c.fetchSmall(ctx, join(baseURL, MetadataFile+SignatureSuffix), filepath.Join(dir, MetadataFile+SignatureSuffix))
		if err != nil {
			return nil, fmt.Errorf("%w for %s: %v", ErrSignatureMissing, baseURL, err)
		}
		if err := VerifySignature(c.keyring, data, sig); err != nil {
			return nil, fmt.Errorf("repository %s: %w", baseURL, err)
		}
		c.logger.Debug("metadata signature verified", "repository", baseURL)
	}

	meta, err := Parse(bytes.NewReader(data), baseURL)
	if err != nil {
		return nil, err
	}
	if err := c.fillChecksums(ctx, meta, dir); err != nil {
		return nil, err
	}

	c.logger.Info("repository loaded", "repository", baseURL, "components", len(meta.Components))
	return meta, nil
}

// Universe fetches every repository in priority order and merges the result.
func (c *Client) Universe(ctx context.Context, repositories []string) (*component.Universe, []*Metadata, error) {
	metas := make([]*Metadata, 0, len(repositories))
	for _, repo := range repositories {
		meta, err := c.FetchMetadata(ctx, repo)
		if err != nil {
			return nil, nil, err
		}
		metas = append(metas, meta)
	}

	universe, err := component.NewUniverse(Merge(metas))
	if err != nil {
		return nil, nil, err
	}
	return universe, metas, nil
}

// FetchScript downloads the component's script and returns its local path, or ""
// when the component has none.
func (c *Client) FetchScript(ctx context.Context, comp *component.Component) (string, error) {
	if comp.Script == "" {
		return "", nil
	}
	dest := filepath.Join(c.cacheDir, "scripts", comp.ID, comp.Version, filepath.Base(comp.Script))
	file, err := c.fetcher.Fetch(ctx, download.Task{
		Name:        comp.ID + "/" + comp.Script,
		Sources:     comp.ScriptURLs(),
		Destination: dest,
		SHA256:      comp.ScriptSHA256,
	})
	if err != nil {
		return "", fmt.Errorf("fetch script for %s: %w", comp.ID, err)
	}
	return file.Path, nil
}

// Merge combines repositories listed in priority order. The highest version of a
// component wins; repositories publishing the same version add their URL to its
// sources.
func Merge(metas []*Metadata) []*component.Component {
	byID := make(map[string]*component.Component)
	var order []string

	for _, meta := range metas {
		for _, comp := range meta.Components {
			existing, ok := byID[comp.ID]
			if !ok {
				cp := *comp
				cp.Sources = append([]string(nil), comp.Sources...)
				byID[comp.ID] = &cp
				order = append(order, comp.ID)
				continue
			}

			switch component.CompareVersions(comp.Version, existing.Version) {
			case 1:
				cp := *comp
				cp.Sources = append([]string(nil), comp.Sources...)
				byID[comp.ID] = &cp
			case 0:
				for _, src := range comp.Sources {
					if !slices.Contains(existing.Sources, src) {
						existing.Sources = append(existing.Sources, src)
					}
				}
			}
		}
	}

	out := make([]*component.Component, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

// fillChecksums resolves archive digests missing from the metadata from their
// companion files.
func (c *Client) fillChecksums(ctx context.Context, meta *Metadata, dir string) error {
	for _, comp := range meta.Components {
		for i := range comp.Archives {
			a := &comp.Archives[i]
			if a.SHA256 != "" {
				continue
			}
			urls := comp.ArchiveURLs(a.Name)
			if len(urls) == 0 {
				continue
			}
			data, err := c.fetchSmall(ctx, urls[0]+ChecksumSuffix,
				filepath.Join(dir, "checksums", comp.ID, comp.Version+a.Name+ChecksumSuffix))
			if err != nil {
				return fmt.Errorf("fetch checksum for %s/%s: %w", comp.ID, a.Name, err)
			}
			sum, err := parseChecksum(data)
			if err != nil {
				return &ParseError{Repository: meta.URL, Package: comp.ID, Field: "Archive", Message: a.Name + ChecksumSuffix, Cause: err}
			}
			a.SHA256 = sum
		}
	}
	return nil
}

// fetchSmall downloads a small document afresh and returns its content.
func (c *Client) fetchSmall(ctx context.Context, url, dest string) ([]byte, error) {
	file, err := c.fetcher.Fetch(ctx, download.Task{
		Name:        filepath.Base(dest),
		Sources:     []string{url},
		Destination: dest,
		Offset:      -1,
	})
	if err != nil {
		return nil, err
	}
	return os.ReadFile(file.Path)
}

// parseChecksum reads the first token of a "<hex>  <file>" checksum line.
func parseChecksum(data []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		sum := strings.ToLower(fields[0])
		if len(sum) != sha256.Size*2 {
			return "", fmt.Errorf("checksum %q has wrong length", fields[0])
		}
		if _, err := hex.DecodeString(sum); err != nil {
			return "", fmt.Errorf("checksum %q is not hex", fields[0])
		}
		return sum, nil
	}
	return "", fmt.Errorf("empty checksum file")
}

func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:8])
}

func join(base, name string) string {
	return strings.TrimRight(base, "/") + "/" + name
}
