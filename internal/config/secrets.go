package config

// redacted replaces a non-empty secret with a fixed placeholder.
func redacted(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// Redacted returns a copy of the Config with every credential field masked,
// safe for logging at startup.
func (c Config) Redacted() Config {
	out := c
	out.Binance.ApiKey = redacted(c.Binance.ApiKey)
	out.Binance.ApiSecret = redacted(c.Binance.ApiSecret)
	out.Binance.SecretPassword = redacted(c.Binance.SecretPassword)
	out.Postgres.Password = redacted(c.Postgres.Password)
	out.Postgres.DSN = redacted(c.Postgres.DSN)
	out.Redis.Password = redacted(c.Redis.Password)
	out.S3.AccessKey = redacted(c.S3.AccessKey)
	out.S3.SecretKey = redacted(c.S3.SecretKey)
	out.Notify.TelegramToken = redacted(c.Notify.TelegramToken)
	out.Notify.DiscordWebhookURL = redacted(c.Notify.DiscordWebhookURL)
	out.Server.APIKey = redacted(c.Server.APIKey)
	return out
}
