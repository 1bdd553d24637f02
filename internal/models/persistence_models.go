package models

import "time"

// QueueKey is the storage key for the tracked-request queue. One record per
// owner; the value is the JSON array produced by EncodeQueue.
const QueueKey = "VAULT_TX_QUEUE"

// TxQueueRecord is the durable form of one user's tracked-request queue.
type TxQueueRecord struct {
	Key       string    `json:"key" gorm:"primaryKey;size:64"`
	Owner     string    `json:"owner" gorm:"primaryKey;size:66"`
	Value     string    `json:"value" gorm:"type:jsonb;not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName keeps the table name stable regardless of struct renames.
func (TxQueueRecord) TableName() string {
	return "tx_queue_records"
}
