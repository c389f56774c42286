package telephony

import (
	"errors"
	"strings"
)

// Script is the declarative call-control document returned on an inbound
// call: an ordered list of verbs executed by the fabric.
type Script []any

const announcement = "Connecting you to a secure WebRTC console."

type sayVerb struct {
	Verb  string `json:"verb"`
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

type listenVerb struct {
	Verb          string            `json:"verb"`
	URL           string            `json:"url"`
	Mix           string            `json:"mix"`
	StatusHook    string            `json:"statusHook"`
	Metadata      map[string]string `json:"metadata"`
	Transcription transcription     `json:"transcription"`
}

type transcription struct {
	TranscriptionHook string     `json:"transcriptionHook"`
	Recognizer        recognizer `json:"recognizer"`
}

type recognizer struct {
	Vendor   string `json:"vendor"`
	Language string `json:"language"`
}

type dialVerb struct {
	Verb           string       `json:"verb"`
	AnswerOnBridge bool         `json:"answerOnBridge"`
	CallerID       string       `json:"callerId,omitempty"`
	StatusHook     string       `json:"statusHook"`
	Target         []dialTarget `json:"target"`
}

type dialTarget struct {
	Type string      `json:"type"`
	URI  string      `json:"uri"`
	Auth *targetAuth `json:"auth,omitempty"`
}

type targetAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ScriptOptions carries the deployment settings the script depends on.
type ScriptOptions struct {
	StreamURL      string
	WebRTCURI      string
	WebRTCUsername string
	WebRTCPassword string
	STTVendor      string
	STTLanguage    string
	Voice          string
}

// Hooks are the absolute callback URLs embedded in the script.
type Hooks struct {
	CallStatus    string
	ListenStatus  string
	Transcription string
}

var ErrNotConfigured = errors.New("telephony: streaming or webrtc target not configured")

// BuildIncomingScript renders announce, stream-with-transcription, then dial
// to the WebRTC agent.
func BuildIncomingScript(opts ScriptOptions, call InboundCall, hooks Hooks) (Script, error) {
	if strings.TrimSpace(opts.StreamURL) == "" || strings.TrimSpace(opts.WebRTCURI) == "" {
		return nil, ErrNotConfigured
	}

	target := dialTarget{Type: "webrtc", URI: opts.WebRTCURI}
	if opts.WebRTCUsername != "" && opts.WebRTCPassword != "" {
		target.Auth = &targetAuth{Username: opts.WebRTCUsername, Password: opts.WebRTCPassword}
	}

	return Script{
		sayVerb{Verb: "say", Text: announcement, Voice: opts.Voice},
		listenVerb{
			Verb:       "listen",
			URL:        opts.StreamURL,
			Mix:        "mono",
			StatusHook: hooks.ListenStatus,
			Metadata: map[string]string{
				"call_id": call.ID(),
				"from":    call.From,
				"to":      call.To,
			},
			Transcription: transcription{
				TranscriptionHook: hooks.Transcription,
				Recognizer:        recognizer{Vendor: opts.STTVendor, Language: opts.STTLanguage},
			},
		},
		dialVerb{
			Verb:           "dial",
			AnswerOnBridge: true,
			CallerID:       call.To,
			StatusHook:     hooks.CallStatus,
			Target:         []dialTarget{target},
		},
	}, nil
}
