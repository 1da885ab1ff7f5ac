package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog/log"
)

// Client wraps the containerd client with namespace handling and health
// checking.
type Client struct {
	inner     *containerd.Client
	socket    string
	namespace string

	mu     sync.RWMutex
	closed bool
}

// NewClient connects to containerd and verifies the connection.
func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting at %s: %v", ErrBackendUnavailable, socket, err)
	}

	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrBackendUnavailable, err)
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &Client{
		inner:     inner,
		socket:    socket,
		namespace: namespace,
	}, nil
}

// Raw returns the underlying containerd client.
func (c *Client) Raw() *containerd.Client {
	return c.inner
}

// WithNamespace returns a context carrying the configured namespace.
func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Healthy reports whether the containerd connection is alive.
func (c *Client) Healthy(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}
	_, err := c.inner.Version(ctx)
	return err == nil
}

// Close shuts down the containerd client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// PullImage fetches a container image unless it is already present.
func (c *Client) PullImage(ctx context.Context, ref string) (containerd.Image, error) {
	ctx = c.WithNamespace(ctx)

	image, err := c.inner.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}

	log.Info().Str("ref", ref).Msg("pulling image")

	image, err = c.inner.Pull(ctx, ref,
		containerd.WithPullUnpack,
	)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}

	log.Info().Str("ref", ref).Msg("image pulled")
	return image, nil
}

// EnsureImages pre-pulls the execution profile images so the first run of
// each agent type does not pay the pull latency. Failures are logged and
// returned combined; a missing image only fails runs that need it.
func (c *Client) EnsureImages(ctx context.Context, refs []string) error {
	var firstErr error
	for _, ref := range refs {
		if _, err := c.PullImage(ctx, ref); err != nil {
			log.Warn().Err(err).Str("ref", ref).Msg("image pre-pull failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
