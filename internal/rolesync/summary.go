package rolesync

import (
	"fmt"
	"sort"
	"strings"
	"time"

	logx "rankbot/pkg/logx"
)

// Skip reasons.
const (
	ReasonNotFound            = "not_found"
	ReasonNoRank              = "no_rank"
	ReasonProviderUnavailable = "provider_unavailable"
	ReasonBusy                = "busy"
	ReasonCancelled           = "cancelled"
)

// Summary describes one reconciliation pass.
//
// Examined counts (group, account) pairs where the account is a member.
// Every examined pair ends up in exactly one of Updated, Unchanged, Failed
// or Skipped.
type Summary struct {
	CycleID   string
	Started   time.Time
	Groups    int
	Examined  int
	Updated   int
	Unchanged int
	Failed    int
	NotMember int
	Skipped   map[string]int
	Duration  time.Duration
	Cancelled bool
}

func (s Summary) SkippedTotal() int {
	n := 0
	for _, v := range s.Skipped {
		n += v
	}
	return n
}

func (s *Summary) add(r AccountReport) {
	switch r.Result {
	case ResultNotMember:
		s.NotMember++
		return
	case ResultUpdated:
		s.Updated++
	case ResultUnchanged:
		s.Unchanged++
	case ResultFailed:
		s.Failed++
	case ResultSkipped:
		if s.Skipped == nil {
			s.Skipped = map[string]int{}
		}
		s.Skipped[r.Reason]++
	}
	s.Examined++
}

// Fields returns the summary as log fields.
func (s Summary) Fields() []logx.Field {
	return []logx.Field{
		logx.String("cycle_id", s.CycleID),
		logx.Int("groups", s.Groups),
		logx.Int("examined", s.Examined),
		logx.Int("updated", s.Updated),
		logx.Int("unchanged", s.Unchanged),
		logx.Int("failed", s.Failed),
		logx.Int("skipped", s.SkippedTotal()),
		logx.Any("skipped_by_reason", s.Skipped),
		logx.Int("not_member", s.NotMember),
		logx.Duration("took", s.Duration),
		logx.Bool("cancelled", s.Cancelled),
	}
}

// String renders a one-line human summary, e.g.
// "2 examined, 1 updated, 0 unchanged, 0 failed, 1 skipped (not_found=1)".
func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d examined, %d updated, %d unchanged, %d failed, %d skipped",
		s.Examined, s.Updated, s.Unchanged, s.Failed, s.SkippedTotal())
	if len(s.Skipped) > 0 {
		keys := make([]string, 0, len(s.Skipped))
		for k := range s.Skipped {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%d", k, s.Skipped[k]))
		}
		b.WriteString(" (" + strings.Join(parts, ", ") + ")")
	}
	if s.Cancelled {
		b.WriteString(", cancelled")
	}
	return b.String()
}
