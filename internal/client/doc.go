// Package client is the consumer side of the realtime stream: a singleton
// Transport that holds at most one websocket connection per process and fans
// inbound events out to independent listeners, plus ChannelFilter, the
// per-widget subscription handle with latest-value and bounded history.
//
// The transport's lifecycle is demand-driven. The first Subscribe dials the
// server; losing the connection triggers exponential-backoff retries while
// listeners remain; removing the last listener closes the connection and
// cancels any pending retry. After the retry budget is exhausted the
// transport parks in a terminal Failed state until Connect is called again.
package client
