// SPDX-License-Identifier: MIT

// Package ffmpeg wraps the external encoder and probe tools. It builds
// argument lists for segment recording and one-shot transcodes, spawns the
// processes in their own process group, and captures their diagnostic
// output. Nothing in here interprets video itself; ffmpeg is a black box
// reached only through its exit status, stderr and output files.
package ffmpeg
