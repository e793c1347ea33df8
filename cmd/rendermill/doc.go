// Command rendermill renders Blender projects in concurrent frame chunks and
// assembles the results into a final video.
package main
