// Package telegram is the Telegram side of pricewatch: a long-polling bot
// that serves owner commands, and a plain-text sender used for price-drop
// messages and the log sink.
package telegram
