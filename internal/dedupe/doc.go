// Package dedupe suppresses duplicate websocket sends. Clients attach a
// clientMsgId to each send and may retry after a dropped connection; the
// cache maps (user, clientMsgId) to the message the first attempt created,
// for a bounded window.
package dedupe
