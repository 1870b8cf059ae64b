package models

import "time"

const (
	// Default queue names.
	QueueOutbound      = "outbound"
	QueueInbound       = "inbound"
	QueueAdminOutbound = "admin"
	QueueDeadLetter    = "deadletter"
)

const (
	// DefaultMaxRetries is the number of transient failures after which an entry is dead-lettered.
	DefaultMaxRetries = 5

	// BigBundleSize caps one pull request / inbound entry when big bundles are enabled.
	BigBundleSize = 1000

	// DefaultPullPageSize is the page size of a pull without big bundles.
	DefaultPullPageSize = 100

	// DefaultPageSize of administrative listings.
	DefaultPageSize = 50

	// MaxPageSize of administrative listings.
	MaxPageSize = 500

	// DefaultNetworkTimeout bounds a single upstream call.
	DefaultNetworkTimeout = 30 * time.Second

	// ReasonRetryExhausted prefixes the rejection reason of exhausted entries.
	ReasonRetryExhausted = "retry exhausted"
)
