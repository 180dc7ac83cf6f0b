// Package notifier delivers price-drop messages without blocking the
// polling tasks.
//
// Messages are queued and handed to a small worker pool that applies a
// token-bucket rate limit, optional retries with jittered backoff and a
// dedup window. Delivery itself is done by Channels: email over SMTP
// (go-mail) and Telegram chat messages.
//
// The default recipient gets every drop on all configured channels; the
// per-recipient path is email only.
package notifier
