// Package logx is alarmd's structured logging: a small Logger over zerolog
// whose outputs can be swapped at runtime by a Service.
//
// Console output is human readable, the optional file sink is JSON, and the
// optional alert sink forwards WARN and above (rate limited) to an
// AlertSender such as the Telegram mirror.
package logx
