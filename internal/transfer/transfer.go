// Package transfer hands build output from the cross-compiling host to the
// device that runs the tests, through a shared blob store.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"

	"github.com/lei/fletch-ci/internal/archive"
	"github.com/lei/fletch-ci/internal/storage"
	"github.com/lei/fletch-ci/pkg/logger"
)

// ErrTransfer wraps every pack, upload, download or unpack failure
var ErrTransfer = errors.New("artifact transfer failed")

// DigestSuffix is appended to an archive key to name its digest sidecar
const DigestSuffix = ".blake3"

// Step names shown on the build page
const (
	StepCreate = "Create build tarball"
	StepUpload = "Upload build tarball"
	StepFetch  = "Fetch build tarball"
	StepUnpack = "Unpack build tarball"
)

// Stepper runs a named build step
type Stepper interface {
	Step(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Options configure both ends of a transfer
type Options struct {
	Store  storage.Store
	Root   string // workspace root, archives are staged here
	OutDir string // relative to Root
	Codec  archive.Codec
	Logger *logger.Logger
}

func (o Options) withDefaults() Options {
	if o.OutDir == "" {
		o.OutDir = "out"
	}
	if o.Codec == "" {
		o.Codec = archive.CodecBzip2
	}
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
	return o
}

// Producer publishes build output from the build host
type Producer struct {
	opts Options
}

// NewProducer creates a producer
func NewProducer(opts Options) *Producer {
	return &Producer{opts: opts.withDefaults()}
}

// Publish packs the output directory, uploads it with public read access
// and uploads a digest sidecar next to it. The local archive is removed
// whatever the outcome.
func (p *Producer) Publish(ctx context.Context, steps Stepper, arch, revision string) (err error) {
	name := archive.Name(arch, revision, p.opts.Codec)
	local := filepath.Join(p.opts.Root, name)
	sidecar := local + DigestSuffix

	defer func() {
		err = multierr.Combine(err, removeIfExists(local), removeIfExists(sidecar))
		if err != nil {
			err = fmt.Errorf("%w: publish %s: %w", ErrTransfer, name, err)
		}
	}()

	err = steps.Step(ctx, StepCreate, func(ctx context.Context) error {
		return archive.Pack(ctx, p.opts.Root, p.opts.OutDir, local, p.opts.Codec)
	})
	if err != nil {
		return err
	}

	return steps.Step(ctx, StepUpload, func(ctx context.Context) error {
		if err := p.opts.Store.Upload(ctx, local, name); err != nil {
			return err
		}
		if err := p.opts.Store.MakePublic(ctx, name); err != nil {
			return err
		}

		digest, err := archive.Digest(local)
		if err != nil {
			return err
		}
		if err := os.WriteFile(sidecar, []byte(digest+"  "+name+"\n"), 0o644); err != nil {
			return fmt.Errorf("write digest: %w", err)
		}
		if err := p.opts.Store.Upload(ctx, sidecar, name+DigestSuffix); err != nil {
			return err
		}
		if err := p.opts.Store.MakePublic(ctx, name+DigestSuffix); err != nil {
			return err
		}
		p.opts.Logger.Info("published build archive", "archive", name, "blake3", digest)
		return nil
	})
}

// Consumer fetches build output on the device
type Consumer struct {
	opts Options
}

// NewConsumer creates a consumer
func NewConsumer(opts Options) *Consumer {
	return &Consumer{opts: opts.withDefaults()}
}

// Fetch downloads the archive for arch and revision and unpacks it into the
// workspace root. When a digest sidecar was published the archive is
// verified against it first. The local archive is removed whatever the
// outcome.
func (c *Consumer) Fetch(ctx context.Context, steps Stepper, arch, revision string) (err error) {
	name := archive.Name(arch, revision, c.opts.Codec)
	local := filepath.Join(c.opts.Root, name)
	sidecar := local + DigestSuffix

	defer func() {
		err = multierr.Combine(err, removeIfExists(local), removeIfExists(sidecar))
		if err != nil {
			err = fmt.Errorf("%w: fetch %s: %w", ErrTransfer, name, err)
		}
	}()

	err = steps.Step(ctx, StepFetch, func(ctx context.Context) error {
		if err := c.opts.Store.Download(ctx, name, local); err != nil {
			return err
		}
		return c.verify(ctx, name, local, sidecar)
	})
	if err != nil {
		return err
	}

	return steps.Step(ctx, StepUnpack, func(ctx context.Context) error {
		return archive.Unpack(ctx, local, c.opts.Root, c.opts.Codec)
	})
}

func (c *Consumer) verify(ctx context.Context, name, local, sidecar string) error {
	ok, err := c.opts.Store.Exists(ctx, name+DigestSuffix)
	if err != nil {
		return err
	}
	if !ok {
		c.opts.Logger.Warn("no digest published, skipping verification", "archive", name)
		return nil
	}

	if err := c.opts.Store.Download(ctx, name+DigestSuffix, sidecar); err != nil {
		return err
	}
	data, err := os.ReadFile(sidecar)
	if err != nil {
		return fmt.Errorf("read digest: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return fmt.Errorf("empty digest file for %s", name)
	}

	got, err := archive.Digest(local)
	if err != nil {
		return err
	}
	if got != fields[0] {
		return fmt.Errorf("digest mismatch for %s: got %s, published %s", name, got, fields[0])
	}
	c.opts.Logger.Info("verified build archive", "archive", name, "blake3", got)
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
