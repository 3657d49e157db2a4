// Package api exposes the hub over HTTP: agent discovery, objective
// inspection, plan runs and run history, plus Prometheus metrics.
package api
