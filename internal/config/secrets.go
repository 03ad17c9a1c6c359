package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging the active configuration
// so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Server.APIKey)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	}
	if cfg.Feed.Venues != nil {
		out.Feed.Venues = append([]VenueFeedConfig(nil), cfg.Feed.Venues...)
	}
	if cfg.Chain.Routers != nil {
		out.Chain.Routers = make(map[string]string, len(cfg.Chain.Routers))
		for k, v := range cfg.Chain.Routers {
			out.Chain.Routers[k] = v
		}
	}
	if cfg.Chain.Tokens != nil {
		out.Chain.Tokens = make(map[string]string, len(cfg.Chain.Tokens))
		for k, v := range cfg.Chain.Tokens {
			out.Chain.Tokens[k] = v
		}
	}
	if cfg.Pathfinder.PerVenueFeeBps != nil {
		out.Pathfinder.PerVenueFeeBps = make(map[string]float64, len(cfg.Pathfinder.PerVenueFeeBps))
		for k, v := range cfg.Pathfinder.PerVenueFeeBps {
			out.Pathfinder.PerVenueFeeBps[k] = v
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
