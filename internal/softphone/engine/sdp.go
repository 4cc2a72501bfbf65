package engine

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// buildSDP creates the audio session description advertised in outbound
// offers and inbound answers. PCMU plus telephone-event, 20ms frames.
func buildSDP(addr string, port int) ([]byte, error) {
	formats := []string{"0", "101"}

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "hardline",
			SessionID:      1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "Hardline Call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address: &sdp.Address{
				Address: addr,
			},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{
					StartTime: 0,
					StopTime:  0,
				},
			},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: "0 PCMU/8000"},
					{Key: "rtpmap", Value: "101 telephone-event/8000"},
					{Key: "fmtp", Value: "101 0-15"},
					{Key: "ptime", Value: "20"},
					{Key: "sendrecv"},
				},
			},
		},
	}

	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal sdp: %w", err)
	}
	return body, nil
}

// parseRemoteSDP extracts the remote RTP endpoint from an SDP body.
func parseRemoteSDP(body []byte) (addr string, port int, err error) {
	if len(body) == 0 {
		return "", 0, fmt.Errorf("empty SDP body")
	}

	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return "", 0, fmt.Errorf("parse SDP: %w", err)
	}

	if len(desc.MediaDescriptions) == 0 {
		return "", 0, fmt.Errorf("no media in SDP")
	}

	media := desc.MediaDescriptions[0]
	port = media.MediaName.Port.Value

	if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
		addr = media.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		addr = desc.ConnectionInformation.Address.Address
	}

	return addr, port, nil
}
