// Package deps checks availability of the external binaries rendermill
// invokes (Blender and FFmpeg).
package deps
