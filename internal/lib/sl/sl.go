package sl

import (
	"log/slog"
)

func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.Attr{
		Key:   "error",
		Value: slog.StringValue(err.Error()),
	}
}

func Module(mod string) slog.Attr {
	return slog.Attr{
		Key:   "module",
		Value: slog.StringValue(mod),
	}
}

// Secret logs only a short prefix of a sensitive value.
func Secret(key, value string) slog.Attr {
	if len(value) > 5 {
		value = value[:5] + "***"
	} else if value != "" {
		value = "***"
	}
	return slog.Attr{
		Key:   key,
		Value: slog.StringValue(value),
	}
}

func Session(id string) slog.Attr {
	return slog.String("session_id", id)
}
