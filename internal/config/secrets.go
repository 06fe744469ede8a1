package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// placeholder "***". Use it whenever the active configuration is logged.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Guarantee.APIKey)
	redact(&out.Guarantee.APISecret)

	if cfg.Traders != nil {
		out.Traders = make([]TraderConfig, len(cfg.Traders))
		copy(out.Traders, cfg.Traders)
		for i := range out.Traders {
			redact(&out.Traders[i].PrivateKey)
			redact(&out.Traders[i].KeyPassword)
		}
	}
	if cfg.Solvers != nil {
		out.Solvers = append([]SolverConfig(nil), cfg.Solvers...)
	}

	redact(&out.Supabase.DSN)
	redact(&out.Supabase.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
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
