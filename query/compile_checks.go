package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-txcoord/core"
)

var (
	_ gocmd.Querier[GetWebhookEventMessage, core.WebhookEvent]           = (*GetWebhookEventQuery)(nil)
	_ gocmd.Querier[GetIdempotencyRecordMessage, core.IdempotencyRecord] = (*GetIdempotencyRecordQuery)(nil)
	_ gocmd.Querier[GetLockMessage, core.Lock]                           = (*GetLockQuery)(nil)
	_ gocmd.Querier[StatsMessage, StatsSnapshot]                         = (*StatsQuery)(nil)
)
