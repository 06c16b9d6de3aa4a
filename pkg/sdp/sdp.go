// Package sdp wraps github.com/pion/sdp/v3 with the offer/answer
// construction (RFC 3264) and inspection helpers the SIP facade needs.
package sdp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// Error is an SDP codec failure the caller can discriminate.
type Error struct {
	Kind string // MalformedSdpLine, UnknownType
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return "sdp: " + e.Kind
	}
	return "sdp: " + e.Kind + ": " + e.Msg
}

// Codec describes one payload entry of a media line.
type Codec struct {
	Payload uint8
	Name    string
	Rate    int
	Fmtp    string // optional a=fmtp value, e.g. "0-16"
	Ptime   int    // optional a=ptime, milliseconds
}

func (c Codec) rtpmap() string {
	return fmt.Sprintf("%d %s/%d", c.Payload, c.Name, c.Rate)
}

// DefaultAcceptedCodecs is the answer-side payload set used when the
// caller does not narrow it: PCMU, PCMA, and telephone-event.
var DefaultAcceptedCodecs = []Codec{
	{Payload: 0, Name: "PCMU", Rate: 8000},
	{Payload: 8, Name: "PCMA", Rate: 8000},
	{Payload: 101, Name: "telephone-event", Rate: 8000, Fmtp: "0-16"},
}

// MediaSpec enumerates one media line of an offer.
type MediaSpec struct {
	Media    string // "audio"
	Port     int
	Protocol string // default "RTP/AVP"
	Codecs   []Codec
}

// Origin is the o= line identity.
type Origin struct {
	Username       string
	SessionID      uint64
	SessionVersion uint64
	Address        string
}

// Parse decodes a session description.
func Parse(data []byte) (*sdp.SessionDescription, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(data); err != nil {
		return nil, &Error{Kind: "MalformedSdpLine", Msg: err.Error()}
	}
	return &sd, nil
}

// Marshal encodes a session description.
func Marshal(sd *sdp.SessionDescription) ([]byte, error) {
	out, err := sd.Marshal()
	if err != nil {
		return nil, &Error{Kind: "UnknownType", Msg: err.Error()}
	}
	return out, nil
}

// CreateOffer builds a session description from media specs, one media
// line per spec with rtpmap/fmtp/ptime attributes per codec.
func CreateOffer(sessionName string, origin Origin, connAddr string, media []MediaSpec) (*sdp.SessionDescription, error) {
	if len(media) == 0 {
		return nil, &Error{Kind: "UnknownType", Msg: "offer needs at least one media spec"}
	}
	sd := newSession(sessionName, origin, connAddr)
	for _, spec := range media {
		proto := spec.Protocol
		if proto == "" {
			proto = "RTP/AVP"
		}
		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   spec.Media,
				Port:    sdp.RangedPort{Value: spec.Port},
				Protos:  strings.Split(proto, "/"),
				Formats: formats(spec.Codecs),
			},
		}
		for _, c := range spec.Codecs {
			md.Attributes = append(md.Attributes, sdp.NewAttribute("rtpmap", c.rtpmap()))
			if c.Fmtp != "" {
				md.Attributes = append(md.Attributes, sdp.NewAttribute("fmtp", fmt.Sprintf("%d %s", c.Payload, c.Fmtp)))
			}
			if c.Ptime > 0 {
				md.Attributes = append(md.Attributes, sdp.NewAttribute("ptime", strconv.Itoa(c.Ptime)))
			}
		}
		sd.MediaDescriptions = append(sd.MediaDescriptions, md)
	}
	return sd, nil
}

// CreateAnswer builds the answer to offer: each offered media line is
// answered with the intersection of its payloads and accepted (the
// library default set when accepted is nil). A media line whose
// intersection is empty is rejected with port 0, per RFC 3264 §6.
func CreateAnswer(offer *sdp.SessionDescription, origin Origin, connAddr string, accepted []Codec) (*sdp.SessionDescription, error) {
	if offer == nil || len(offer.MediaDescriptions) == 0 {
		return nil, &Error{Kind: "UnknownType", Msg: "offer has no media"}
	}
	if accepted == nil {
		accepted = DefaultAcceptedCodecs
	}
	acceptedByPayload := make(map[string]Codec, len(accepted))
	for _, c := range accepted {
		acceptedByPayload[strconv.Itoa(int(c.Payload))] = c
	}

	sd := newSession("-", origin, connAddr)
	for _, offered := range offer.MediaDescriptions {
		var keep []Codec
		for _, pt := range offered.MediaName.Formats {
			if c, ok := acceptedByPayload[pt]; ok {
				keep = append(keep, c)
			}
		}
		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:  offered.MediaName.Media,
				Protos: offered.MediaName.Protos,
			},
		}
		if len(keep) == 0 {
			// Rejected stream: port 0, formats echoed per RFC 3264.
			md.MediaName.Port = sdp.RangedPort{Value: 0}
			md.MediaName.Formats = offered.MediaName.Formats
		} else {
			md.MediaName.Port = offered.MediaName.Port
			md.MediaName.Formats = formats(keep)
			for _, c := range keep {
				md.Attributes = append(md.Attributes, sdp.NewAttribute("rtpmap", c.rtpmap()))
				if c.Fmtp != "" {
					md.Attributes = append(md.Attributes, sdp.NewAttribute("fmtp", fmt.Sprintf("%d %s", c.Payload, c.Fmtp)))
				}
			}
		}
		sd.MediaDescriptions = append(sd.MediaDescriptions, md)
	}
	return sd, nil
}

func newSession(name string, origin Origin, connAddr string) *sdp.SessionDescription {
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       origin.Username,
			SessionID:      origin.SessionID,
			SessionVersion: origin.SessionVersion,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: origin.Address,
		},
		SessionName: sdp.SessionName(name),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: connAddr},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
}

func formats(codecs []Codec) []string {
	out := make([]string, len(codecs))
	for i, c := range codecs {
		out[i] = strconv.Itoa(int(c.Payload))
	}
	return out
}

// CodecSummary lists the codec names a session carries, from its
// rtpmap attributes, in order of appearance.
func CodecSummary(sd *sdp.SessionDescription) []string {
	var out []string
	for _, md := range sd.MediaDescriptions {
		for _, a := range md.Attributes {
			if a.Key != "rtpmap" {
				continue
			}
			fields := strings.Fields(a.Value)
			if len(fields) < 2 {
				continue
			}
			name, _, _ := strings.Cut(fields[1], "/")
			out = append(out, name)
		}
	}
	return out
}

// HasEarlyMedia reports whether any media line is live: port > 0 and
// not marked inactive.
func HasEarlyMedia(sd *sdp.SessionDescription) bool {
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Port.Value == 0 {
			continue
		}
		inactive := false
		for _, a := range md.Attributes {
			if a.Key == "inactive" {
				inactive = true
				break
			}
		}
		if !inactive {
			return true
		}
	}
	return false
}

// MediaRejected reports whether every media line was rejected (all
// ports zero).
func MediaRejected(sd *sdp.SessionDescription) bool {
	if len(sd.MediaDescriptions) == 0 {
		return false
	}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Port.Value != 0 {
			return false
		}
	}
	return true
}
