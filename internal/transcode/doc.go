// SPDX-License-Identifier: MIT

// Package transcode re-encodes aged recordings to a smaller codec in the
// background. Coordination with the recorder and the eviction engine is
// expressed entirely through filesystem state: a ".transcoding" temp file
// claims a segment, a ".transcoded" marker records a committed
// replacement, and a ".original" backup survives until its retention
// deadline. No in-process locks guard cross-file safety, so the scheme
// holds across independent process restarts.
package transcode
