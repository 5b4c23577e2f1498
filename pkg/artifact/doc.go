/*
Package artifact manages the local cache of container images and disk-image
files that VMs are instantiated from.

Every transfer runs as a job on the engine's transfer pool, keyed by the
artifact reference, so concurrent requests for the same artifact share one
download:

	Ensure(ref) ──▶ active job? ──yes──▶ join it
	                    │no
	                    ▼
	              cached? ──yes──▶ succeeded job ("already cached")
	                    │no
	                    ▼
	              Submit(image_pull | iso_download)
	                    │
	         ┌──────────┴──────────┐
	         ▼                     ▼
	   runtime.PullImage     Source.Open (http, https, s3)
	   per-layer bytes       DiskCache.Write (.partial, sha256, rename)

Image progress is reported in bytes. When the registry manifest can be read
the total is known up front; otherwise it grows as layers are discovered.
Disk images are written to a partial file and renamed into place only after
the declared digest matches, so a cancelled or failed download never leaves
a usable file behind.

An artifact cannot be deleted while a non-terminal job fetches it or lists
it in its Refs.
*/
package artifact
