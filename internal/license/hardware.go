// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package license

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"runtime"
	"strings"
)

// Fingerprint holds the three hardware component hashes that a license is
// bound to. Component ordering is positional and stable across requests:
// slot 1 is the motherboard, slot 2 the CPU, slot 3 the primary MAC address.
type Fingerprint struct {
	Motherboard string `json:"hw1"`
	CPU         string `json:"hw2"`
	MAC         string `json:"hw3"`
}

// Similarity weights per component.
const (
	weightMotherboard = 0.40
	weightCPU         = 0.30
	weightMAC         = 0.30
)

// Similarity computes the weighted equality score between two fingerprints.
// The function is symmetric and Similarity(x, x) == 1.
func Similarity(a, b Fingerprint) float64 {
	score := 0.0
	if a.Motherboard == b.Motherboard {
		score += weightMotherboard
	}
	if a.CPU == b.CPU {
		score += weightCPU
	}
	if a.MAC == b.MAC {
		score += weightMAC
	}
	return score
}

// Matches reports whether the similarity between two fingerprints reaches
// the given threshold.
func Matches(a, b Fingerprint, threshold float64) bool {
	return Similarity(a, b) >= threshold
}

// CollectFingerprint gathers the hardware identity of this host. Components
// that cannot be read hash to a stable per-component placeholder, so that a
// partially readable host still produces a deterministic fingerprint.
func CollectFingerprint() Fingerprint {
	return Fingerprint{
		Motherboard: hashComponent("board", readMotherboardID()),
		CPU:         hashComponent("cpu", readCPUID()),
		MAC:         hashComponent("mac", readPrimaryMAC()),
	}
}

func hashComponent(kind, value string) string {
	sum := sha256.Sum256([]byte(kind + ":" + value))
	return hex.EncodeToString(sum[:16])
}

func readMotherboardID() string {
	for _, path := range []string{
		"/sys/class/dmi/id/board_serial",
		"/sys/class/dmi/id/board_name",
		"/sys/class/dmi/id/product_uuid",
	} {
		buf, err := os.ReadFile(path)
		if err == nil && len(strings.TrimSpace(string(buf))) > 0 {
			return strings.TrimSpace(string(buf))
		}
	}
	return "unknown-board"
}

func readCPUID() string {
	buf, err := os.ReadFile("/proc/cpuinfo")
	if err == nil {
		for _, line := range strings.Split(string(buf), "\n") {
			if strings.HasPrefix(line, "model name") {
				if _, value, ok := strings.Cut(line, ":"); ok {
					return strings.TrimSpace(value)
				}
			}
		}
	}
	return runtime.GOARCH
}

func readPrimaryMAC() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "unknown-mac"
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return "unknown-mac"
}
