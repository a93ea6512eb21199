// Package jobs holds the built-in batch job handlers and the intent
// execution collaborator. The container and registry sides are narrow
// interfaces; production wiring supplies real clients, tests supply fakes.
package jobs

import "context"

// Container is one watched container as the source reports it.
type Container struct {
	ID           string
	Name         string
	Image        string // repository reference without the tag
	Tag          string
	Digest       string // digest of the image the container runs
	LatestDigest string // last digest resolved from the registry, empty if never checked
}

// UpdateAvailable reports whether a newer digest is known for the container.
func (c Container) UpdateAvailable() bool {
	return c.LatestDigest != "" && c.LatestDigest != c.Digest
}

// ContainerSource lists a user's watched containers and records the latest
// known registry digest per container.
type ContainerSource interface {
	ListContainers(ctx context.Context, userID string) ([]Container, error)
	RecordLatestDigest(ctx context.Context, userID, containerID, digest string) error
}

// RegistryClient resolves the current digest behind an image tag.
type RegistryClient interface {
	ResolveDigest(ctx context.Context, image, tag string) (string, error)
}

// ContainerRuntime applies an upgrade: recreate the container on the image
// behind c.LatestDigest.
type ContainerRuntime interface {
	UpgradeContainer(ctx context.Context, userID string, c Container) error
}

// ImagePruner removes unreferenced images from a user's runtime.
type ImagePruner interface {
	PruneImages(ctx context.Context, userID string) (removed int, err error)
}
