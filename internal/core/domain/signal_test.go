package domain

import (
	"errors"
	"testing"
)

func TestDecodeOfferRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":      `{`,
		"missing from":  `{"session":"s1","offer":{"type":"offer","sdp":"v=0"}}`,
		"missing sess":  `{"from":"alice","offer":{"type":"offer","sdp":"v=0"}}`,
		"answer inside": `{"from":"alice","session":"s1","offer":{"type":"answer","sdp":"v=0"}}`,
		"empty sdp":     `{"from":"alice","session":"s1","offer":{"type":"offer","sdp":""}}`,
	}
	for name, raw := range cases {
		if _, err := Decode[OfferPayload]([]byte(raw)); !errors.Is(err, ErrInvalidSignal) {
			t.Fatalf("%s: err=%v, want ErrInvalidSignal", name, err)
		}
	}
}

func TestDecodeOffer(t *testing.T) {
	raw := `{"from":"alice","session":"s1","offer":{"type":"offer","sdp":"v=0"},"media":["audio","video"]}`
	p, err := Decode[OfferPayload]([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.From != "alice" || p.Session != "s1" || p.PeerSession != "" {
		t.Fatalf("envelope=%+v", p.Envelope)
	}
	if len(p.Media) != 2 || p.Media[1] != MediaVideo {
		t.Fatalf("media=%v, want [audio video]", p.Media)
	}
}

func TestDecodeCandidateRequiresValue(t *testing.T) {
	raw := `{"from":"bob","session":"s2","candidate":{"candidate":""}}`
	if _, err := Decode[CandidatePayload]([]byte(raw)); !errors.Is(err, ErrInvalidSignal) {
		t.Fatalf("err=%v, want ErrInvalidSignal", err)
	}
}

func TestDescriptionEqual(t *testing.T) {
	a := &Description{Type: SDPTypeOffer, SDP: "v=0"}
	b := &Description{Type: SDPTypeOffer, SDP: "v=0"}
	var none *Description
	if !a.Equal(b) {
		t.Fatalf("identical descriptions not equal")
	}
	if a.Equal(none) || !none.Equal(nil) {
		t.Fatalf("nil handling wrong")
	}
}
