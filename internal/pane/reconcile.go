package pane

import "vibez/internal/message"

// MergeResult says what a batch did to the sequence.
type MergeResult struct {
	Appended []message.Message
	Replaced int
	Updated  int
	Removed  int
}

func (r MergeResult) Changed() bool {
	return len(r.Appended) > 0 || r.Replaced > 0 || r.Updated > 0 || r.Removed > 0
}

// Merge applies one subscription batch to seq.
//
// An added record whose correlation id matches a local entry replaces that
// entry where it stands, so the optimistic bubble and its confirmation never
// both show. Unmatched records are appended in delivery order. Modified
// records carry reaction, deletion and receipt updates; removed ones drop.
func Merge(seq *Sequence, changes []message.Change) MergeResult {
	var res MergeResult
	for _, ch := range changes {
		m := ch.Message
		switch ch.Type {
		case message.Added:
			if i, ok := seq.Lookup(m.Key()); ok {
				seq.Replace(i, m)
				res.Replaced++
				continue
			}
			seq.Append(m)
			res.Appended = append(res.Appended, m)
		case message.Modified:
			i, ok := seq.Lookup(m.Key())
			if !ok {
				// Outside the loaded window.
				continue
			}
			seq.Replace(i, update(seq.At(i), m))
			res.Updated++
		case message.Removed:
			if seq.Remove(m.Key()) {
				res.Removed++
			}
		}
	}
	return res
}

func update(cur, next message.Message) message.Message {
	if !cur.Status.Confirmed() {
		// The optimistic copy never saw the record; take it whole.
		return next
	}
	status := cur.Status.Advance(next.Status)
	if next.Deleted {
		cur = cur.Tombstone()
	} else {
		cur.Reactions = next.Reactions
	}
	cur.Status = status
	return cur
}
