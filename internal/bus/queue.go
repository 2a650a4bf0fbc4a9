package bus

import "github.com/msageha/conductor/internal/model"

// queueSet holds one FIFO queue per priority tier. Not safe for concurrent
// use; the bus guards it with its own mutex.
type queueSet struct {
	tiers [model.PriorityTiers][]*model.Message
}

func (q *queueSet) push(msg *model.Message) {
	q.tiers[msg.Priority] = append(q.tiers[msg.Priority], msg)
}

// pop removes the oldest message from the highest-priority non-empty tier.
func (q *queueSet) pop() *model.Message {
	for tier := range q.tiers {
		if len(q.tiers[tier]) == 0 {
			continue
		}
		msg := q.tiers[tier][0]
		q.tiers[tier] = q.tiers[tier][1:]
		return msg
	}
	return nil
}

func (q *queueSet) empty() bool {
	for tier := range q.tiers {
		if len(q.tiers[tier]) > 0 {
			return false
		}
	}
	return true
}

func (q *queueSet) depths() [model.PriorityTiers]int {
	var d [model.PriorityTiers]int
	for tier := range q.tiers {
		d[tier] = len(q.tiers[tier])
	}
	return d
}
