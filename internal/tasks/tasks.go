package tasks

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeOrphanAudit = "recovery:orphan:audit"
)

type OrphanAuditPayload struct{}

func NewOrphanAuditTask(opts ...asynq.Option) (*asynq.Task, error) {
	payloadBytes, err := json.Marshal(OrphanAuditPayload{})
	if err != nil {
		return nil, err
	}

	uniqueOpt := asynq.Unique(1 * time.Hour)
	allOpts := append(opts, uniqueOpt)

	return asynq.NewTask(TypeOrphanAudit, payloadBytes, allOpts...), nil
}
