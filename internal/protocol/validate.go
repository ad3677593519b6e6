package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pion/webrtc/v4"
)

const (
	MaxTextBytes = 4096
	MaxTextChars = 2000

	MaxInterests = 32
)

// ValidateText checks a send_text body.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("text is empty")
	}
	if len(text) > MaxTextBytes {
		return fmt.Errorf("text exceeds %d byte limit", MaxTextBytes)
	}
	if !utf8.ValidString(text) {
		return errors.New("text contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("text exceeds %d character limit", MaxTextChars)
	}
	return nil
}

// validateInterests bounds the raw tag list. Normalisation happens in the
// matching package.
func validateInterests(tags []string) error {
	if len(tags) > MaxInterests {
		return fmt.Errorf("too many interests: %d > %d", len(tags), MaxInterests)
	}
	for _, t := range tags {
		if !utf8.ValidString(t) {
			return errors.New("interest contains invalid UTF-8")
		}
	}
	return nil
}

func validateSignal(m SignalMsg) error {
	switch m.Type {
	case TypeOffer, TypeAnswer:
		if m.SDP == nil {
			return fmt.Errorf("%s missing sdp", m.Type)
		}
		if m.Candidate != nil {
			return fmt.Errorf("%s must not carry a candidate", m.Type)
		}
		want := webrtc.SDPTypeOffer
		if m.Type == TypeAnswer {
			want = webrtc.SDPTypeAnswer
		}
		if m.SDP.Type != want {
			return fmt.Errorf("%s has sdp.type=%q", m.Type, m.SDP.Type.String())
		}
		if m.SDP.SDP == "" {
			return fmt.Errorf("%s has empty sdp", m.Type)
		}
		if _, err := m.SDP.Unmarshal(); err != nil {
			return fmt.Errorf("%s sdp: %w", m.Type, err)
		}
	case TypeICECandidate:
		// An empty candidate string is the end-of-candidates marker.
		if m.Candidate == nil {
			return errors.New("ice_candidate missing candidate")
		}
		if m.SDP != nil {
			return errors.New("ice_candidate must not carry sdp")
		}
	}
	return nil
}
