package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrUnknownKind is returned by Decode when the kind discriminator is missing or not recognized.
var ErrUnknownKind = errors.New("unknown message kind")

type Kind string

const (
	KindAnnounce  Kind = "announce"
	KindFetch     Kind = "fetch"
	KindResponse  Kind = "response"
	KindUpgrade   Kind = "upgrade"
	KindText      Kind = "text"
	KindDiscover  Kind = "discover"
	KindHeartbeat Kind = "heartbeat"
)

// Message is implemented by every value that can travel over a source channel.
type Message interface {
	Kind() Kind
}

// RequestLine is the part of an intercepted request a source needs to answer it.
type RequestLine struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// Fetch asks a source to answer a request; the reply must carry the same Seq.
type Fetch struct {
	Seq     uint64      `json:"seq"`
	Version string      `json:"version"`
	Request RequestLine `json:"request"`
}

func (Fetch) Kind() Kind { return KindFetch }

// Reply is a source's answer to a Fetch.
type Reply struct {
	Seq    uint64 `json:"seq"`
	Source string `json:"source,omitempty"`
	Response
}

func (Reply) Kind() Kind { return KindResponse }

// Announce registers a source. Source is optional on transports that already know the
// sender's identity (WebSocket, in-process).
type Announce struct {
	Source  string `json:"source,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version"`
}

func (Announce) Kind() Kind { return KindAnnounce }

type Upgrade struct {
	Version string `json:"version"`
}

func (Upgrade) Kind() Kind { return KindUpgrade }

type Text struct {
	Source string `json:"source,omitempty"`
	Text   string `json:"text"`
}

func (Text) Kind() Kind { return KindText }

type Discover struct {
	Version string `json:"version"`
}

func (Discover) Kind() Kind { return KindDiscover }

type Heartbeat struct {
	Source string `json:"source"`
}

func (Heartbeat) Kind() Kind { return KindHeartbeat }

// Envelope is a decoded message together with the transport metadata stamped by Encode.
type Envelope struct {
	Kind    Kind
	SentAt  strfmt.DateTime
	Message Message
}

// Encode marshals msg and stamps its kind and send time.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("message is required")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", msg.Kind(), err)
	}
	data, err = sjson.SetBytes(data, "kind", string(msg.Kind()))
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(data, "sentAt", strfmt.DateTime(time.Now()).String())
}

// Decode parses a message produced by Encode, or by a peer speaking the same JSON shape.
func Decode(data []byte) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, fmt.Errorf("invalid json: %.64s", data)
	}

	env := Envelope{Kind: Kind(gjson.GetBytes(data, "kind").String())}
	if sentAt := gjson.GetBytes(data, "sentAt"); sentAt.Exists() {
		if ts, err := strfmt.ParseDateTime(sentAt.String()); err == nil {
			env.SentAt = ts
		}
	}

	var err error
	switch env.Kind {
	case KindAnnounce:
		env.Message, err = decodeAs[Announce](data)
	case KindFetch:
		env.Message, err = decodeAs[Fetch](data)
	case KindResponse:
		env.Message, err = decodeAs[Reply](data)
	case KindUpgrade:
		env.Message, err = decodeAs[Upgrade](data)
	case KindText:
		env.Message, err = decodeAs[Text](data)
	case KindDiscover:
		env.Message, err = decodeAs[Discover](data)
	case KindHeartbeat:
		env.Message, err = decodeAs[Heartbeat](data)
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to decode %s message: %w", env.Kind, err)
	}
	return env, nil
}

func decodeAs[T Message](data []byte) (Message, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
