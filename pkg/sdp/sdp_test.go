package sdp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultOffer(t *testing.T) []byte {
	t.Helper()
	sd, err := CreateOffer("call", Origin{Username: "alice", SessionID: 1, SessionVersion: 1, Address: "10.0.0.1"},
		"10.0.0.1", []MediaSpec{{
			Media: "audio",
			Port:  49170,
			Codecs: []Codec{
				{Payload: 0, Name: "PCMU", Rate: 8000},
				{Payload: 8, Name: "PCMA", Rate: 8000},
				{Payload: 101, Name: "telephone-event", Rate: 8000, Fmtp: "0-16"},
			},
		}})
	require.NoError(t, err)
	out, err := Marshal(sd)
	require.NoError(t, err)
	return out
}

func TestCreateOfferShape(t *testing.T) {
	text := string(defaultOffer(t))
	assert.Contains(t, text, "v=0")
	assert.Contains(t, text, "o=alice 1 1 IN IP4 10.0.0.1")
	assert.Contains(t, text, "s=call")
	assert.Contains(t, text, "c=IN IP4 10.0.0.1")
	assert.Contains(t, text, "t=0 0")
	assert.Contains(t, text, "m=audio 49170 RTP/AVP 0 8 101")
	assert.Contains(t, text, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, text, "a=rtpmap:8 PCMA/8000")
	assert.Contains(t, text, "a=rtpmap:101 telephone-event/8000")
	assert.Contains(t, text, "a=fmtp:101 0-16")
}

func TestParseRoundTrip(t *testing.T) {
	raw := defaultOffer(t)
	sd, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"PCMU", "PCMA", "telephone-event"}, CodecSummary(sd))
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("this is not sdp"))
	var sdpErr *Error
	require.ErrorAs(t, err, &sdpErr)
	assert.Equal(t, "MalformedSdpLine", sdpErr.Kind)
}

func TestCreateAnswerDefaultIntersection(t *testing.T) {
	offer, err := Parse(defaultOffer(t))
	require.NoError(t, err)

	answer, err := CreateAnswer(offer, Origin{Username: "bob", SessionID: 2, SessionVersion: 2, Address: "10.0.0.2"},
		"10.0.0.2", nil)
	require.NoError(t, err)

	require.Len(t, answer.MediaDescriptions, 1)
	md := answer.MediaDescriptions[0]
	assert.Equal(t, []string{"0", "8", "101"}, md.MediaName.Formats)
	assert.NotZero(t, md.MediaName.Port.Value)
}

func TestCreateAnswerNarrowedSelection(t *testing.T) {
	offer, err := Parse(defaultOffer(t))
	require.NoError(t, err)

	answer, err := CreateAnswer(offer, Origin{Username: "bob", SessionID: 2, SessionVersion: 2, Address: "10.0.0.2"},
		"10.0.0.2", []Codec{{Payload: 8, Name: "PCMA", Rate: 8000}})
	require.NoError(t, err)
	assert.Equal(t, []string{"8"}, answer.MediaDescriptions[0].MediaName.Formats)
}

func TestCreateAnswerRejectsUnacceptableMedia(t *testing.T) {
	raw := strings.Join([]string{
		"v=0",
		"o=x 1 1 IN IP4 10.0.0.1",
		"s=-",
		"c=IN IP4 10.0.0.1",
		"t=0 0",
		"m=video 5000 RTP/AVP 96",
		"a=rtpmap:96 H264/90000",
		"",
	}, "\r\n")
	offer, err := Parse([]byte(raw))
	require.NoError(t, err)

	answer, err := CreateAnswer(offer, Origin{Username: "bob", SessionID: 2, SessionVersion: 2, Address: "10.0.0.2"},
		"10.0.0.2", nil)
	require.NoError(t, err)
	assert.True(t, MediaRejected(answer))
}

func TestMediaRejectedAndEarlyMedia(t *testing.T) {
	rejected := strings.Join([]string{
		"v=0",
		"o=x 1 1 IN IP4 10.0.0.1",
		"s=-",
		"c=IN IP4 10.0.0.1",
		"t=0 0",
		"m=audio 0 RTP/AVP 0",
		"",
	}, "\r\n")
	sd, err := Parse([]byte(rejected))
	require.NoError(t, err)
	assert.True(t, MediaRejected(sd))
	assert.False(t, HasEarlyMedia(sd))

	live, err := Parse(defaultOffer(t))
	require.NoError(t, err)
	assert.False(t, MediaRejected(live))
	assert.True(t, HasEarlyMedia(live))
}

func TestInactiveMediaIsNotEarlyMedia(t *testing.T) {
	raw := strings.Join([]string{
		"v=0",
		"o=x 1 1 IN IP4 10.0.0.1",
		"s=-",
		"c=IN IP4 10.0.0.1",
		"t=0 0",
		"m=audio 4000 RTP/AVP 0",
		"a=inactive",
		"",
	}, "\r\n")
	sd, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.False(t, HasEarlyMedia(sd))
	assert.False(t, MediaRejected(sd))
}
