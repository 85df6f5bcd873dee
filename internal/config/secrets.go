package config

import "net/url"

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	out.Postgres.DSN = redactDSN(cfg.Postgres.DSN)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Copy maps so mutations to the redacted copy do not affect the original.
	out.Policy = make(map[string]PolicyConfig, len(cfg.Policy))
	for k, v := range cfg.Policy {
		v.ProfitTargets = append([]float64(nil), v.ProfitTargets...)
		out.Policy[k] = v
	}
	out.Schedule.Floors = make(map[string]float64, len(cfg.Schedule.Floors))
	for k, v := range cfg.Schedule.Floors {
		out.Schedule.Floors[k] = v
	}
	out.Paper.LotSizes = make(map[string]int64, len(cfg.Paper.LotSizes))
	for k, v := range cfg.Paper.LotSizes {
		out.Paper.LotSizes[k] = v
	}
	out.Sizing.Bands = append([]BandConfig(nil), cfg.Sizing.Bands...)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// redactDSN masks the password of a URL-style DSN and keeps the host and
// database visible. Anything unparseable is masked entirely.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return redacted
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), redacted)
		}
	}
	return u.String()
}
