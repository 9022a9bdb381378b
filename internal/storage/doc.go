// SPDX-License-Identifier: MIT

// Package storage tracks disk occupancy of the recordings tree and
// reclaims space under two policies: age-based scheduled cleanup and
// oldest-first emergency cleanup under critical disk pressure.
package storage
