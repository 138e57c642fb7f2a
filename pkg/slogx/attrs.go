package slogx

import (
	"log/slog"
)

const (
	// KeyLoggerName is the key for the component name attached to a logger.
	KeyLoggerName = "logger"

	KeySeq        = "seq"
	KeySourceID   = "source_id"
	KeyClientID   = "client_id"
	KeyGeneration = "generation"
)

// Error returns a slog.Attr representing the provided error.
// The attribute key is "error" and the value is the error's message. A nil error
// produces an empty attribute, which slog drops.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}

// LoggerName creates a slog.Attr naming the component that owns a logger.
//
// Example:
//
//	logger := slog.Default().With(slogx.LoggerName("reaper"))
func LoggerName(name string) slog.Attr {
	return slog.String(KeyLoggerName, name)
}

// Seq identifies a pending request by its sequence number.
func Seq(seq uint64) slog.Attr {
	return slog.Uint64(KeySeq, seq)
}

func SourceID(id string) slog.Attr {
	return slog.String(KeySourceID, id)
}

// ClientID identifies the requesting context. Requests from brand-new contexts have no
// client id and are logged with an empty value.
func ClientID(id string) slog.Attr {
	return slog.String(KeyClientID, id)
}

func Generation(token string) slog.Attr {
	return slog.String(KeyGeneration, token)
}
