package overlay_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/omochice/lanmesh/internal/overlay"
)

func TestShouldInitiate(t *testing.T) {
	tests := []struct {
		name       string
		local      string
		localPort  uint16
		remote     string
		remotePort uint16
		want       bool
	}{
		{"smaller address dials", "192.168.1.2", 5000, "192.168.1.3", 5000, true},
		{"greater address waits", "192.168.1.3", 5000, "192.168.1.2", 5000, false},
		{"lexicographic not numeric", "192.168.1.10", 5000, "192.168.1.9", 5000, true},
		{"same host smaller port dials", "10.0.0.1", 4000, "10.0.0.1", 4001, true},
		{"same host greater port waits", "10.0.0.1", 4001, "10.0.0.1", 4000, false},
		{"no subnet address dials", "", 4001, "10.0.0.1", 4000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := overlay.ShouldInitiate(tt.local, tt.localPort, tt.remote, tt.remotePort)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShouldInitiate_ExactlyOneSideDials(t *testing.T) {
	addrs := []string{"10.0.0.1", "10.0.0.2", "10.0.0.10", "192.168.0.7"}
	ports := []uint16{1024, 4000, 65535}

	for _, a := range addrs {
		for _, pa := range ports {
			for _, b := range addrs {
				for _, pb := range ports {
					if a == b && pa == pb {
						continue
					}
					ab := overlay.ShouldInitiate(a, pa, b, pb)
					ba := overlay.ShouldInitiate(b, pb, a, pa)
					assert.NotEqual(t, ab, ba, fmt.Sprintf("%s:%d <-> %s:%d", a, pa, b, pb))
					assert.Equal(t, ab, overlay.ShouldInitiate(a, pa, b, pb), "tie-break must be deterministic")
				}
			}
		}
	}
}
