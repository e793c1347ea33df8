// Package render contains the chunked render engine: frame-range splitting,
// tick-driven dispatch of concurrent external render processes, progress
// aggregation from their stdout, and the after-render pipeline that mixes
// down audio and concatenates chunk videos into the final output.
package render
