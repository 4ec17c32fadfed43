package checkin

import (
	"math"
	"strings"

	"qms/orchestrator/internal/models"
)

const earthRadiusMeters = 6371000.0

// Distance is the great-circle distance in meters between two points.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(a)))
}

// Network identifies the network a device reports being connected to.
type Network struct {
	SSID  string `json:"ssid,omitempty"`
	BSSID string `json:"bssid,omitempty"`
}

// onKnownNetwork matches the device network against the location's
// registered SSIDs and BSSIDs.
func onKnownNetwork(location models.Location, n Network) bool {
	ssid := strings.TrimSpace(n.SSID)
	bssid := normalizeBSSID(n.BSSID)
	if ssid == "" && bssid == "" {
		return false
	}
	for _, known := range location.KnownNetworks {
		known = strings.TrimSpace(known)
		if known == "" {
			continue
		}
		if bssid != "" && normalizeBSSID(known) == bssid {
			return true
		}
		if ssid != "" && strings.EqualFold(known, ssid) {
			return true
		}
	}
	return false
}

func normalizeBSSID(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", ":")
}
