package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// BatchMessage is the payload published once per planned batch.
type BatchMessage struct {
	JobID         string `json:"jobId"`
	ShopID        uint   `json:"shopId"`
	BatchID       int    `json:"batchId"`
	ProductIDs    []uint `json:"productIds"`
	TotalProducts int    `json:"totalProducts"`
	TotalBatches  int    `json:"totalBatches"`
}

var saltCounter atomic.Uint64

// GroupKey orders the messages of one batch together.
func (m BatchMessage) GroupKey() string {
	return m.JobID + "-" + strconv.Itoa(m.BatchID)
}

// DedupKey returns a fresh deduplication key for every call, so a retried publish
// is never swallowed by the transport's dedup window.
func (m BatchMessage) DedupKey() string {
	return fmt.Sprintf("%s-%d-%d-%d", m.JobID, m.BatchID, time.Now().UnixNano(), saltCounter.Add(1))
}

func (m BatchMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeBatchMessage parses and validates a message body.
func DecodeBatchMessage(body []byte) (*BatchMessage, error) {
	var m BatchMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode batch message: %w", err)
	}
	if m.JobID == "" {
		return nil, fmt.Errorf("decode batch message: missing jobId")
	}
	if m.BatchID < 0 || (m.TotalBatches > 0 && m.BatchID >= m.TotalBatches) {
		return nil, fmt.Errorf("decode batch message: batchId %d out of range", m.BatchID)
	}
	return &m, nil
}
