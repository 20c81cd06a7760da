// Package netmon classifies the access network and derives encoding targets
// for the peer connection manager. Classification is a name heuristic over
// the active interfaces; there is no portable metered-network signal, so
// cellular implies metered.
package netmon

import (
	"strings"

	gopsnet "github.com/shirou/gopsutil/v3/net"
)

type Kind string

const (
	KindWifi     Kind = "wifi"
	KindCellular Kind = "cellular"
	KindUnknown  Kind = "unknown"
)

const (
	bitrateWifiKbps     = 128
	bitrateCellularKbps = 40
	bitrateUnknownKbps  = 64

	defaultPollInterval = 3 // seconds, see NewMonitor
)

// Profile is the current network snapshot consumed by the peer connection
// manager. Recomputed on every detected change, never persisted.
type Profile struct {
	Kind              Kind
	Metered           bool
	TargetBitrateKbps int
}

// ProfileFor maps a classification to its tuning targets.
func ProfileFor(kind Kind) Profile {
	switch kind {
	case KindWifi:
		return Profile{Kind: KindWifi, TargetBitrateKbps: bitrateWifiKbps}
	case KindCellular:
		return Profile{Kind: KindCellular, Metered: true, TargetBitrateKbps: bitrateCellularKbps}
	default:
		return Profile{Kind: KindUnknown, TargetBitrateKbps: bitrateUnknownKbps}
	}
}

var (
	wifiPrefixes     = []string{"wlan", "wlp", "wl", "ath", "wifi"}
	cellularPrefixes = []string{"wwan", "wwp", "rmnet", "ccmni", "usb", "ppp"}
	wiredPrefixes    = []string{"eth", "enp", "eno", "ens", "en", "em"}
)

// Classify picks the best active interface and maps its name onto a network
// kind. Wired links count as the wifi (broadband) class for tuning purposes.
// Wifi and wired win over cellular when both are up, matching the usual OS
// route preference.
func Classify(ifaces gopsnet.InterfaceStatList) Kind {
	sawCellular := false
	sawUnknown := false
	for _, iface := range ifaces {
		if !interfaceActive(iface) {
			continue
		}
		name := strings.ToLower(iface.Name)
		switch {
		case matchesPrefix(name, wifiPrefixes), matchesPrefix(name, wiredPrefixes):
			return KindWifi
		case matchesPrefix(name, cellularPrefixes):
			sawCellular = true
		default:
			sawUnknown = true
		}
	}
	if sawCellular {
		return KindCellular
	}
	if sawUnknown {
		return KindUnknown
	}
	return KindUnknown
}

func interfaceActive(iface gopsnet.InterfaceStat) bool {
	up := false
	for _, flag := range iface.Flags {
		switch strings.ToLower(flag) {
		case "up":
			up = true
		case "loopback":
			return false
		}
	}
	return up && len(iface.Addrs) > 0
}

func matchesPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
