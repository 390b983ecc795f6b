// Package files turns registered package folders into downloadable
// artifacts.
//
// The Materializer zips a folder into the artifacts directory, computing the
// size and a BLAKE3 checksum of the archive as it is written. Artifacts are
// released (deleted) when the download grant that references them is pruned.
//
//	m := files.NewMaterializer(paths.ArtifactsDir, logger)
//	art, err := m.Materialize(ctx, pkg.Name, pkg.SourceDir)
//	...
//	f, err := m.Open(art.Path)
package files
