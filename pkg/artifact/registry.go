package artifact

import (
	"context"
	"fmt"
	goruntime "runtime"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// ImageSizer returns the compressed size of an image before it is pulled
type ImageSizer func(ctx context.Context, ref string) (int64, error)

// RegistrySize reads the image manifest from its registry and sums the
// layer sizes for the host platform
func RegistrySize(ctx context.Context, ref string) (int64, error) {
	nameRef, err := name.ParseReference(ref)
	if err != nil {
		return 0, fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	img, err := remote.Image(nameRef,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
		remote.WithPlatform(v1.Platform{OS: "linux", Architecture: goruntime.GOARCH}),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch manifest for %s: %w", ref, err)
	}
	manifest, err := img.Manifest()
	if err != nil {
		return 0, fmt.Errorf("failed to read manifest for %s: %w", ref, err)
	}
	var total int64
	for _, layer := range manifest.Layers {
		total += layer.Size
	}
	return total, nil
}
