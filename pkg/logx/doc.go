// Package logx is wagate's logging front end, a value-type wrapper over
// zerolog.
//
// Console lines are short and human-oriented; the optional file sink writes
// JSON. Each Logger may carry a category (protocol, lifecycle, delivery, ...)
// whose minimum level is set per category in config and can be changed on a
// live reload. Lines at or above the alert level are forwarded, rate limited,
// to the Telegram chat when a bot token is configured.
package logx
