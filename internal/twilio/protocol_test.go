package twilio

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestParseMessage(t *testing.T) {
	t.Run("connected", func(t *testing.T) {
		msg, err := ParseMessage([]byte(`{"event":"connected","protocol":"Call","version":"1.0.0"}`))
		if err != nil {
			t.Fatalf("ParseMessage: %v", err)
		}
		if msg.Event != EventConnected {
			t.Errorf("Event = %q, want connected", msg.Event)
		}
	})

	t.Run("start", func(t *testing.T) {
		raw := `{"event":"start","sequenceNumber":"1","streamSid":"MZ123",
			"start":{"accountSid":"AC1","callSid":"CA1","streamSid":"MZ123",
			"tracks":["inbound"],
			"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1},
			"customParameters":{"callSessionId":"cs-42"}}}`
		msg, err := ParseMessage([]byte(raw))
		if err != nil {
			t.Fatalf("ParseMessage: %v", err)
		}
		if msg.Start == nil {
			t.Fatal("Start payload is nil")
		}
		if msg.Start.StreamSid != "MZ123" {
			t.Errorf("StreamSid = %q, want MZ123", msg.Start.StreamSid)
		}
		if msg.Start.CallSid != "CA1" {
			t.Errorf("CallSid = %q, want CA1", msg.Start.CallSid)
		}
		if msg.Start.MediaFormat.SampleRate != 8000 {
			t.Errorf("SampleRate = %d, want 8000", msg.Start.MediaFormat.SampleRate)
		}
		if msg.Start.CustomParameters["callSessionId"] != "cs-42" {
			t.Errorf("customParameters = %v, want callSessionId=cs-42", msg.Start.CustomParameters)
		}
	})

	t.Run("media", func(t *testing.T) {
		payload := base64.StdEncoding.EncodeToString([]byte{0xff, 0x7f, 0x00})
		raw := `{"event":"media","sequenceNumber":"4","streamSid":"MZ123",
			"media":{"track":"inbound","chunk":"2","timestamp":"40","payload":"` + payload + `"}}`
		msg, err := ParseMessage([]byte(raw))
		if err != nil {
			t.Fatalf("ParseMessage: %v", err)
		}
		if msg.Media == nil {
			t.Fatal("Media payload is nil")
		}
		audio, err := msg.Media.DecodeAudio()
		if err != nil {
			t.Fatalf("DecodeAudio: %v", err)
		}
		if !bytes.Equal(audio, []byte{0xff, 0x7f, 0x00}) {
			t.Errorf("audio = %v, want [255 127 0]", audio)
		}
		if ms := msg.Media.TimestampMS(); ms != 40 {
			t.Errorf("TimestampMS = %d, want 40", ms)
		}
	})

	t.Run("stop", func(t *testing.T) {
		msg, err := ParseMessage([]byte(`{"event":"stop","streamSid":"MZ123","stop":{"accountSid":"AC1","callSid":"CA1"}}`))
		if err != nil {
			t.Fatalf("ParseMessage: %v", err)
		}
		if msg.Event != EventStop {
			t.Errorf("Event = %q, want stop", msg.Event)
		}
	})

	t.Run("invalid_json", func(t *testing.T) {
		if _, err := ParseMessage([]byte(`{not json`)); err == nil {
			t.Error("expected error for invalid JSON")
		}
	})

	t.Run("missing_event", func(t *testing.T) {
		if _, err := ParseMessage([]byte(`{"streamSid":"MZ123"}`)); err == nil {
			t.Error("expected error for missing event field")
		}
	})

	t.Run("unknown_event", func(t *testing.T) {
		if _, err := ParseMessage([]byte(`{"event":"bogus"}`)); err == nil {
			t.Error("expected error for unknown event")
		}
	})

	t.Run("start_without_payload", func(t *testing.T) {
		if _, err := ParseMessage([]byte(`{"event":"start"}`)); err == nil {
			t.Error("expected error for start without payload")
		}
	})

	t.Run("media_without_payload", func(t *testing.T) {
		if _, err := ParseMessage([]byte(`{"event":"media","media":{"chunk":"1"}}`)); err == nil {
			t.Error("expected error for media without payload")
		}
	})
}

func TestDecodeAudioInvalidBase64(t *testing.T) {
	p := &MediaPayload{Payload: "!!!not-base64!!!"}
	if _, err := p.DecodeAudio(); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestMediaTimestampMS(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"0", 0},
		{"1280", 1280},
		{"", 0},
		{"junk", 0},
	}
	for _, c := range cases {
		p := &MediaPayload{Timestamp: c.in}
		if got := p.TimestampMS(); got != c.want {
			t.Errorf("TimestampMS(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestStartPayloadFormat(t *testing.T) {
	t.Run("defaults_applied_when_unset", func(t *testing.T) {
		p := &StartPayload{}
		f := p.Format()
		if f.Encoding != EncodingMulaw {
			t.Errorf("Encoding = %q, want %q", f.Encoding, EncodingMulaw)
		}
		if f.SampleRate != DefaultSampleRate {
			t.Errorf("SampleRate = %d, want %d", f.SampleRate, DefaultSampleRate)
		}
		if f.Channels != DefaultChannels {
			t.Errorf("Channels = %d, want %d", f.Channels, DefaultChannels)
		}
	})

	t.Run("explicit_values_kept", func(t *testing.T) {
		p := &StartPayload{MediaFormat: MediaFormat{Encoding: "audio/x-alaw", SampleRate: 16000, Channels: 2}}
		f := p.Format()
		if f.Encoding != "audio/x-alaw" || f.SampleRate != 16000 || f.Channels != 2 {
			t.Errorf("Format() = %+v, want explicit values preserved", f)
		}
	})
}

func TestStartPayloadStreamID(t *testing.T) {
	p := &StartPayload{StreamSid: "MZ1"}
	if got := p.StreamID("MZ2"); got != "MZ1" {
		t.Errorf("StreamID = %q, want MZ1", got)
	}
	p = &StartPayload{}
	if got := p.StreamID("MZ2"); got != "MZ2" {
		t.Errorf("StreamID fallback = %q, want MZ2", got)
	}
}
