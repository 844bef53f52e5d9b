package bus

import (
	"reflect"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	sent := &AlertDelivery{
		ChannelID:  "1055582910970400837",
		UserID:     "737850722897035264",
		AccountIdx: 1,
		ItemIDs:    []string{"skin-a", "skin-b"},
		ExpiresAt:  1756166400,
	}
	raw, err := encodeEnvelope(3, 17, sent)
	if err != nil {
		t.Fatalf("encodeEnvelope() = %v, want nil", err)
	}

	env, msg, err := decodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decodeEnvelope() = %v, want nil", err)
	}
	if env.Sender != 3 || env.Seq != 17 || env.Type != KindAlertDelivery {
		t.Fatalf("envelope = %+v, want sender 3, seq 17, type %s", env, KindAlertDelivery)
	}
	if !reflect.DeepEqual(msg, sent) {
		t.Fatalf("decoded payload = %+v, want %+v", msg, sent)
	}
}

func TestDecodeEmptyPayloadKinds(t *testing.T) {
	t.Parallel()

	raw, err := encodeEnvelope(0, 1, AllShardsReady{})
	if err != nil {
		t.Fatalf("encodeEnvelope() = %v, want nil", err)
	}
	_, msg, err := decodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decodeEnvelope() = %v, want nil", err)
	}
	if _, ok := msg.(AllShardsReady); !ok {
		t.Fatalf("decoded payload = %T, want AllShardsReady", msg)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"sender":1,"seq":2,"type":"made_up","payload":{}}`)
	if _, _, err := decodeEnvelope(raw); err == nil {
		t.Fatalf("decodeEnvelope() accepted an unknown message type")
	}
}

func TestDecodeMalformedEnvelope(t *testing.T) {
	t.Parallel()

	if _, _, err := decodeEnvelope([]byte("{not json")); err == nil {
		t.Fatalf("decodeEnvelope() accepted malformed JSON")
	}
}

func TestParseOwnerEntry(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		value       string
		wantShard   int
		wantExpires int64
		wantOK      bool
	}{
		{"regular", "3:1756166400", 3, 1756166400, true},
		{"no separator", "31756166400", 0, 0, false},
		{"bad shard", "x:1756166400", 0, 0, false},
		{"bad expiry", "3:soon", 0, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			shard, expires, ok := parseOwnerEntry(tc.value)
			if shard != tc.wantShard || expires != tc.wantExpires || ok != tc.wantOK {
				t.Fatalf("parseOwnerEntry(%q) = %d, %d, %v, want %d, %d, %v",
					tc.value, shard, expires, ok, tc.wantShard, tc.wantExpires, tc.wantOK)
			}
		})
	}
}
