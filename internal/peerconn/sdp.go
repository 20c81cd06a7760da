package peerconn

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/Avicted/ringline/internal/netmon"
)

// TuneSDP rewrites the audio section of a session description for the
// current network: caps bandwidth at the profile target, narrows the codec
// list to a single opus configuration and marks the stream as the main
// content. Applied to both offers and answers so the two sides agree.
func TuneSDP(raw string, profile netmon.Profile) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("parse sdp: %w", err)
	}

	kbps := profile.TargetBitrateKbps
	if kbps <= 0 {
		kbps = netmon.ProfileFor(netmon.KindUnknown).TargetBitrateKbps
	}

	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		tuneAudioSection(m, kbps)
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("serialize sdp: %w", err)
	}
	return string(out), nil
}

func tuneAudioSection(m *sdp.MediaDescription, kbps int) {
	m.Bandwidth = []sdp.Bandwidth{
		{Type: "TIAS", Bandwidth: uint64(kbps) * 1000},
		{Type: "AS", Bandwidth: uint64(kbps)},
	}

	opusTypes := opusPayloadTypes(m)
	if len(opusTypes) > 0 {
		keepOnlyPayloads(m, opusTypes)
		forceOpusParams(m, opusTypes[0], kbps)
	}

	// High priority marker for the audio stream.
	if !hasAttribute(m, "content") {
		m.Attributes = append(m.Attributes, sdp.Attribute{Key: "content", Value: "main"})
	}
}

// opusPayloadTypes collects the payload type numbers mapped to opus.
func opusPayloadTypes(m *sdp.MediaDescription) []string {
	var types []string
	for _, attr := range m.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		fields := strings.SplitN(attr.Value, " ", 2)
		if len(fields) != 2 {
			continue
		}
		if strings.HasPrefix(strings.ToLower(fields[1]), "opus/") {
			types = append(types, fields[0])
		}
	}
	return types
}

// keepOnlyPayloads narrows the format list to the given payload types and
// drops rtpmap/fmtp/rtcp-fb attributes of everything else.
func keepOnlyPayloads(m *sdp.MediaDescription, keep []string) {
	keepSet := make(map[string]struct{}, len(keep))
	for _, pt := range keep {
		keepSet[pt] = struct{}{}
	}

	formats := make([]string, 0, len(keep))
	for _, pt := range m.MediaName.Formats {
		if _, ok := keepSet[pt]; ok {
			formats = append(formats, pt)
		}
	}
	if len(formats) == 0 {
		return
	}
	m.MediaName.Formats = formats

	filtered := m.Attributes[:0]
	for _, attr := range m.Attributes {
		switch attr.Key {
		case "rtpmap", "fmtp", "rtcp-fb":
			pt := strings.SplitN(attr.Value, " ", 2)[0]
			if _, ok := keepSet[pt]; !ok {
				continue
			}
		}
		filtered = append(filtered, attr)
	}
	m.Attributes = filtered
}

// forceOpusParams pins one coherent opus configuration: in-band FEC for
// lossy links and an average bitrate matching the bandwidth cap.
func forceOpusParams(m *sdp.MediaDescription, payloadType string, kbps int) {
	params := "minptime=10;useinbandfec=1;maxaveragebitrate=" + strconv.Itoa(kbps*1000)
	value := payloadType + " " + params
	for i, attr := range m.Attributes {
		if attr.Key == "fmtp" && strings.HasPrefix(attr.Value, payloadType+" ") {
			m.Attributes[i].Value = value
			return
		}
	}
	m.Attributes = append(m.Attributes, sdp.Attribute{Key: "fmtp", Value: value})
}

func hasAttribute(m *sdp.MediaDescription, key string) bool {
	for _, attr := range m.Attributes {
		if attr.Key == key {
			return true
		}
	}
	return false
}
